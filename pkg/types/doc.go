// Package types defines the shared contract types used across Dockmaster's
// streaming subsystem: the authenticated principal, role and permission
// constants, stream message envelopes, build job states, the structured
// client-visible error type, and the engine client interface consumed by the
// stream controllers.
package types
