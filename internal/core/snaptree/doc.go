// Package snaptree maintains the snapshot tree of one machine.
//
// Nodes live in a table keyed by snapshot id. A node refers to its parent
// by id only, so ownership flows strictly parent to child through the
// ordered children lists and there are no reference cycles.
//
// A Tree is not safe for concurrent use. The owning machine's write lock
// must be held for every mutation and its read lock for queries.
package snaptree
