// Package logx configures tgrelay's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller), on stderr
//   - File output JSON-structured
//   - Levels and sinks swappable at runtime on config reload
package logx
