// Package integration provides cross-package integration tests for muster.
// These tests drive the orchestrator, router, coordination layer, and
// checkpoint store together the way the CLI wires them.
//
// Build tag: integration
// Run with: go test -tags integration ./internal/integration/...
package integration
