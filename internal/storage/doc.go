// Package storage is the bot's optional persistence layer.
//
// It keeps an append-only audit trail of scheduler lifecycle events and the
// notifier's dedup state, so duplicate suppression survives a restart.
// Scheduled events themselves are never persisted.
package storage
