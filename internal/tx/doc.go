// Package tx submits bot calls as queued transactions. A Service publishes
// transaction envelopes to a Queue; a Processor consumes them with a pool of
// workers, applies each one through the ledger and re-publishes envelopes
// that failed for retryable infrastructure reasons.
package tx
