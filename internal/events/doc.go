// Package events records what happened to every search the gateway served.
//
// The coordinator emits one Event per search. A Hub buffers events and fans
// them out in batches to sinks (logs, Prometheus, Postgres, Pub/Sub) without
// ever blocking the request path.
package events
