// Package command defines the vmsnap-cli command tree.
//
//   - root.go: the App, global flags and the per-invocation environment
//   - machine.go, snapshot.go, task.go, medium.go: resource commands
//   - wait.go: --wait polling with a progress bar
//   - views.go: result types and their table layouts
//
// Commands resolve machine and snapshot names to ids, call the server
// through connection.HTTPClient and print the result with the selected
// output formatter.
package command
