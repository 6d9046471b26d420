// Package notifier delivers chat messages that have no waiting caller, such
// as the chess turn reminders and other background alerts.
//
// Notify enqueues and returns. A worker pool drains the queue through the
// transport adapter, behind a token-bucket rate limit, retrying failed sends
// with jittered exponential backoff. Identical notifications within the dedup
// window are suppressed; with PersistDedup the suppression state is also
// written to storage so it survives a restart.
package notifier
