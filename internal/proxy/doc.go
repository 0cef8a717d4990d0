// Package proxy holds the connection plumbing shared by divert's redirect
// listener: keepalive listeners and a pooled bidirectional copy.
package proxy
