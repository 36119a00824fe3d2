// Package meta holds build-time metadata about the Dockmaster binary.
package meta

// Version is the Dockmaster version. It is overridden at build time via
// -ldflags "-X github.com/dockmaster-io/dockmaster/internal/meta.Version=...".
var Version = "v0.0.0-unknown"
