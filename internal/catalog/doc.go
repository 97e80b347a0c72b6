// Package catalog provides the agent and tool directory consulted once per
// conversation at initialization time: model configuration, instructions,
// and the declarative tool descriptors an agent is allowed to use.
package catalog
