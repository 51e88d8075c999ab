// Package session owns the durable client state shared by the polling
// engine, the refresh scheduler, and the UI.
//
// # Overview
//
// The Store is the single source of truth: every component reads the latest
// Snapshot before acting and writes back through a mutation method. Each
// logical field persists as its own JSON file under the state directory,
// namespaced with a common prefix so Reset can clear the whole session by
// removing the prefixed files, the preview image included. Related fields
// (LastFetch, NextFetch,
// RefreshRate, retry state) are always written together as one logical
// update; no cross-field transactionality beyond that is provided, and
// last-writer-wins per field is the intended semantics.
//
// # Notifier
//
// The Store doubles as an in-process observer registry. Subscribe registers
// a callback invoked synchronously after every mutation completes; the
// returned function deregisters it. Notification iterates over a snapshot
// of the registry, so deregistering a listener during a pass does not
// affect delivery to the listeners that were registered when the pass
// began. Nothing crosses process boundaries: two processes sharing a state
// directory each poll and back off independently.
//
// # Durability
//
// State is loaded once when the Store is opened, with defaults substituted
// only for fields whose files are absent. Teardown is a no-op; durability
// spans process lifetimes by design.
package session
