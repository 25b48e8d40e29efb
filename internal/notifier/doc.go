// Package notifier delivers tick announcements to a chat.
//
// Delivery is synchronous and bounded: each Send is rate limited, retried with
// backoff and capped by a timeout. Callers treat failures as best-effort.
package notifier
