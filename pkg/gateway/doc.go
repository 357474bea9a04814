// Package gateway hosts the multi-session chat gateway: a registry of
// automation engine handles keyed by caller-chosen session ids, an event
// fan-out that forwards engine events to per-session webhook URLs, and the
// HTTP surface that exposes lifecycle and chat operations.
//
// The SessionManager owns every engine handle. Handlers and the fan-out
// borrow handles through it but never manage lifecycles themselves. All
// lifecycle transitions (start, restart, terminate, flush, restore) funnel
// through the manager so the registry and the credential store stay
// consistent.
package gateway
