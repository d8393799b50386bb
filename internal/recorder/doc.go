// Package recorder persists connection and session lifecycle events to
// PostgreSQL for fleet monitoring. Events are batched and written with
// append-only semantics.
package recorder
