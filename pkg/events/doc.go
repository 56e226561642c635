// Package events implements the system's single in-process event bus:
// a bounded-queue, single-dispatcher pub/sub coupling used by every
// component that needs to signal another without importing it
// directly. Subscribe registers a handler against a type string;
// Publish is non-blocking and drops the oldest queued event on
// overflow rather than stalling a producer. Ordering is preserved per
// event type, not across types.
package events
