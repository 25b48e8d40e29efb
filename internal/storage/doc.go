// Package storage is the durable repository for timelines and tick events.
//
// It supports:
//   - Timeline rows (simulated clock state and tick configuration)
//   - Tick-event rows with pending -> completed|failed transitions
//   - Audit log appends (operator actions)
//
// Rows are never deleted by the bot; tick_events cascade with their timeline.
package storage
