// Package session keeps the server-side table of live sessions and evicts idle ones.
//
// Invariants:
// - At most one live Session exists per session id; the Registry is its sole owner.
// - Registry mutation (open, end, sweep) happens under one mutex.
// - A Session with calls in flight is never evicted; a closed Session admits no new calls.
// - Closing a Session fires its closed listeners before the connection manager is closed,
//   and close-time errors are logged, never returned.
//
// Usage:
//
//	reg, _ := session.NewRegistry(session.RegistryConfig{Login: login, ActivityWindow: 10 * time.Minute})
//	_ = reg.Start()
//	defer reg.Stop()
//	s, _ := reg.Open(ctx, session.Credentials{User: "a", Password: "p"}, "")
//	_ = s.ID()
package session
