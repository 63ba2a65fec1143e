// Package merge plans, executes and rolls back the per-disk work of
// deleting a snapshot.
//
// Planning is all-or-nothing: every disk of the snapshot gets a DeleteRec
// before any data moves, and a planning failure releases everything the
// planner took. Execution is sequential in planning order; a failure keeps
// what already committed and rolls back the rest.
package merge
