// Package logx configures tickbot's structured logging.
//
// logx.Logger is a thin wrapper on zerolog:
//   - console output stays readable (short timestamp and caller)
//   - file output is JSON
//   - an optional Telegram sink forwards records above a minimum level, rate limited
package logx
