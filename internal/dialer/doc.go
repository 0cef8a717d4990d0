// Package dialer provides the outbound dialers the redirect listener uses to
// reach each connection's original destination.
//
// Dialers implement a small interface (DialContext) and connect either
// directly or via an upstream proxy (HTTP CONNECT or SOCKS5). Every socket
// they open carries the configured packet mark so the capture rules never
// redirect the listener's own traffic back to itself.
package dialer
