// Package socks5 implements the client half of a SOCKS5 CONNECT handshake
// for divert's upstream dialer.
//
// It wraps the low-level protocol types in github.com/txthinking/socks5 so the
// dialer does not have to deal with negotiation and reply parsing directly.
package socks5

// Auth configures optional username/password authentication for SOCKS5
// negotiation.
type Auth struct {
	Username string
	Password string
}
