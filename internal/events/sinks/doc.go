// Package sinks implements concrete search-event consumers: structured logs,
// Prometheus collectors, a Postgres table, and a Pub/Sub topic. Each sink
// satisfies events.Sink and is safe for repeated Consume/Close cycles.
package sinks
