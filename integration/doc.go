// Package integration holds Docker-backed end-to-end tests, built only
// under the "integration" tag since they require a running Docker
// daemon. Run with: go test -tags=integration ./integration/...
package integration
