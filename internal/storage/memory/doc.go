// Package memory provides an in-memory storage.KVEngine.
//
// Nothing survives a restart. It backs tests and daemons started with
// storage.backend set to "memory".
package memory
