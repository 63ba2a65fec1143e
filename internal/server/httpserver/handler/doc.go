// Package handler implements the vmsnap HTTP API.
//
//   - machine.go: machine registration and power control
//   - snapshot.go: take, restore, delete and edit snapshots
//   - task.go: task listing and cancellation
//   - medium.go: disk image inventory and verification
//   - health.go: liveness
//
// Every JSON response uses the Response envelope. Long-running operations
// answer 202 with the task id; callers poll GET /tasks/{id}.
package handler
