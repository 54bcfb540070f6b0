// Package logx configures the daemon's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Level and sinks swappable at runtime through Service.Apply
//
// Optionally, warnings and errors are also pushed to operators through an
// Alerter (rate limited, never blocking the caller).
package logx
