// Package humanloop is a Go client for the HumanLoop gateway. Client wraps
// the REST endpoints; Worker builds a claim/heartbeat/complete loop on top of
// it for tools that put a human in front of queued tasks.
package humanloop
