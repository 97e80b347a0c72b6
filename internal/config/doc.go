// Package config handles configuration loading for loom-orchestrator.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${LOOM_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	conversation:
//	  init_timeout: "60s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Database:
//
//	database:
//	  path: "/var/lib/loom/orchestrator.db"
//
// Agent manifest:
//
//	agents:
//	  manifest: "/etc/loom/agents.yaml"
//
// Model backend:
//
//	backend:
//	  api_key: "${OPENAI_API_KEY}"
//	  base_url: ""  # optional override
//
// Trace stream:
//
//	redis:
//	  enabled: false
//	  addr: "localhost:6379"
//	  stream: "loom:traces"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/loom/orchestrator.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
