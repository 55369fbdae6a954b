// Package queue implements an at-least-once work queue on a Redis stream
// consumer group.
//
// A message moves through new -> pending for one consumer -> acknowledged.
// A consumer acknowledges a message only after its handler returned nil; on
// failure the entry stays in the consumer's pending list and is delivered
// again. Every consume iteration first re-reads the consumer's own pending
// entries, which is how a consumer restarted under the same name recovers
// work it had claimed before crashing. WithClaimIdle additionally takes over
// entries left idle by consumers that never come back.
//
// Handlers must be idempotent: a message can be processed more than once.
package queue
