// Package adapter defines the backing store contract used by counters and
// locks, together with in-memory, Redis, SQLite and PostgreSQL
// implementations and a circuit breaker decorator.
package adapter
