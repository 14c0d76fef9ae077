// Package txn is the transaction state machine: it binds calls on named business
// interfaces to a session's connection and decides when that connection is committed,
// rolled back and released.
//
// Invariants:
// - A Context holds at most one connection; repeated Connection calls return the same one.
// - Every allocated connection is released exactly once, by Commit or Rollback.
// - The pre-call check runs before a connection is taken.
// - An informational fault commits a simple transaction and is still returned.
// - A release failure after another failure is attached to it, not substituted for it.
//
// Interfaces are resolved through an explicit Registry of constructors and method
// tables built at process start.
package txn
