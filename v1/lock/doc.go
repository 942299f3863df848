// Package lock provides lease-based distributed mutual exclusion.
//
// A Backend grants time-bounded leases over named keys inside a store. Leases
// are identified by an opaque token that must be presented to release or
// refresh them. Retriable adds fixed-delay retries on top of any Backend,
// Heartbeat keeps a lease alive while a long operation runs, and Locker ties
// everything together into a Session that acquires, runs the protected
// function and releases.
//
// Backends for Redis, SQL databases and MongoDB live in the adapter package.
// InMemory is a process-local Backend meant for tests and single-node use.
package lock
