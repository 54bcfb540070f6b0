// Package analytics records per-notification interaction events and derives the
// engagement signals the adaptive scheduler uses: active hours, engagement score and
// per-category affinity.
//
// Each user has an append-only log capped at the most recent MaxEvents entries.
// Aggregates are computed from a snapshot copy so reads never block appends for long.
package analytics
