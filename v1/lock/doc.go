// Package lock provides mutual exclusion over named resources shared by many
// processes. A lock is a key holding a random owner token with a TTL. Only a
// caller presenting the matching token can release or extend it, and both
// checks run server side in one step, so a holder whose lease already expired
// can never remove the lock of the next owner.
//
// Locks are not renewed automatically. A critical section that may outlive
// its TTL must call Extend. An optional notify.Bus lets WithLock wake up as
// soon as the resource is released instead of waiting out its backoff.
package lock
