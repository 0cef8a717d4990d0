// Package conntrack holds the connection table of the redirector.
//
// The table is a fixed arena of 65536 records indexed directly by local TCP
// port. A record tracks the handshake phase of the connection currently
// using that port and the endpoint the local application originally
// addressed, before redirection rewrote it.
//
// Every access goes through one reader/writer lock covering the whole table.
// Acquisition is bounded: when the lock cannot be taken within the table's
// lock timeout the operation fails with ErrLockTimeout, and callers in the
// packet path drop the packet instead of waiting.
package conntrack
