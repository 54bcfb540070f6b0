// Package storage provides the key-value persistence layer behind preferences,
// subscriptions, scheduled entries, the offline queue and the analytics log.
//
// Drivers:
//   - "memory": process-local map (tests, dry runs)
//   - "file":   JSON snapshot + append-only journal
//   - "sqlite": single-table SQLite database
//   - "redis":  Redis strings under a key prefix
package storage
