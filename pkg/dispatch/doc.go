// Package dispatch is the server-side command state machine.
//
// Invariants:
// - Requests for another application fail with a protocol fault before anything else happens.
// - Every command but OPEN resolves a live session first; a missing session is a protocol fault,
//   except for CLOSE, which succeeds. PING answers SESSION_CLOSED so client pingers reconnect.
// - An explicit transaction id is removed from the table exactly once, on COMMIT, ROLLBACK
//   or when its session closes.
// - INVOKE with an unknown transaction id never constructs an implementation.
// - Business faults come back inside the response; every fault is logged once here.
package dispatch
