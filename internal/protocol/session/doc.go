// Package session owns the process-to-process connection protocol.
//
// Ownership boundary:
// - hello/hello.ack control lines exchanged before framing starts
// - route and publish wire codecs on top of frame+tlv
// - transport security policy, TLS config builders and retry backoff
package session
