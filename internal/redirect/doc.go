// Package redirect implements the listener that redirected TCP connections
// land on.
//
// The engine rewrites each captured connection so it arrives here with the
// application's own source port. The listener looks that port up through the
// engine's query interface to recover the original destination, dials it
// through the configured upstream and copies bytes both ways.
package redirect
