// Package poll contains the polling, backoff, and refresh-scheduling state
// machine that keeps the cached screen image fresh.
//
// # Engine
//
// Engine decides, each time it is invoked, whether to fetch, skip, or fail:
//
//   - An active backoff window suppresses unforced fetches entirely; the
//     cached image is returned without touching the network.
//   - A device whose one-time screen-generation call has not yet succeeded
//     is routed to the display endpoint instead of the current-screen
//     endpoint, exactly once per device.
//   - A metadata response whose image_url matches the cached image's source
//     URL skips the byte download and only advances the fetch window.
//   - Failures never escape as errors. Unauthorized responses clear the
//     backoff state and surface an API-key hint; rate limits and transient
//     failures arm an exponential backoff window of min(1s*2^n, 5m) and
//     fall back to the last known good image.
//
// A guard keeps at most one fetch in flight, with a short cooldown after
// completion so a timer firing next to a manual refresh produces a single
// network sequence. Superseded results are accepted as-is; the store write
// is idempotent under the unchanged-URL check.
//
// # Scheduler
//
// Scheduler turns the store's NextFetch timestamp into a single armed
// timer plus a per-second countdown tick. Re-arming cancels the previous
// timer and ticker first; arming an already-elapsed deadline fires
// immediately instead, once per distinct deadline.
package poll
