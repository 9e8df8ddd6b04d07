// Package catalog defines the core domain types and interfaces shared across
// the bookwatch crawl pipeline: books, change events, crawl runs, and the
// contracts for fetching, persistence, snapshots, and event publication.
package catalog
