// Package task runs long snapshot operations in the background.
//
// Every operation is a Progress, a weighted multi-step status object the
// caller polls or waits on, driven by a Runner through the phases
// Validated, Prepared, Committing and then Committed or RolledBack. Steps
// report a tagged Result instead of failing through scattered error paths,
// so rollback is invoked from one place.
package task
