// Package store provides SQLite-backed persistence for calendars and their
// event queues.
//
// Two relations are kept:
//   - calendars: one row per external calendar, plus push channel metadata
//   - events: one row per external event with a provisioned artifact
//
// events.external_id is UNIQUE across the whole table. Concurrent passes
// that race to create the same event get ErrDuplicate for the loser, which
// callers treat as success.
//
// Updates to an event are guarded by opened = 0, so an opened queue is never
// rescheduled or opened a second time.
package store
