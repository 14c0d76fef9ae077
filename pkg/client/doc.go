// Package client is the calling side: Root opens sessions, Remote issues commands on
// one session, and Safe keeps a stable client alive across session loss.
//
// Safe counts resets. SafeWrapper remembers the count it built its value under and
// rebuilds on mismatch, so stale handles are never reused after a reconnect. A
// serialization fault leaves Safe unusable until Reopen succeeds.
package client
