// Package wire defines the request and response envelopes exchanged with the
// dispatcher and the codecs that carry them.
//
// Every request names its application and command; session and transaction ids
// address existing state. A response holds a result, a structured fault, or, for
// informational faults, both.
package wire
