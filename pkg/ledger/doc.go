// Package ledger is the sqlite-backed business application served by txgate: users
// with bcrypt passwords, named accounts with balances, and a journal of every
// balance change.
//
// Store.Login is the session login hook; each session borrows one physical
// connection for its lifetime. Store.Interface registers the accounts interface,
// whose implementation writes through the caller's connection so its changes commit
// or roll back with the caller's transaction. Balances never go negative.
package ledger
