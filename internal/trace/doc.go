// Package trace records call spans for the telemetry pipeline. Emission is
// fire-and-forget: a sink must never block or fail the conversation that
// produced the span.
package trace
