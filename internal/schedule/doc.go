// Package schedule holds notifications whose delivery time is in the future.
//
// A single loop goroutine (Run) owns the min-heap keyed by DeliverAt. Every other
// goroutine reaches it through the command channel, so the heap needs no lock.
// The loop sleeps until the earliest entry is due or a command arrives.
//
// The entry set is persisted after every mutation and restored when Run starts;
// entries already past due at recovery fire once, immediately.
package schedule
