// Package main provides the entry point for vmsnap-server.
//
// The server owns every registered machine, its snapshot tree and the
// differencing images behind it, and exposes them over an HTTP API:
//
//   - snapshot take, restore and delete as asynchronous tasks
//   - machine lifecycle on the built-in emulator
//   - medium inspection and verification
//   - Prometheus metrics at /metrics
//
// Usage:
//
//	vmsnap-server [flags]
//	vmsnap-server -config /etc/vmsnap/server.yaml
//
// Settings are persisted in Badger under storage.data_dir; disk images live
// under media.root.
package main
