// Package shutdown runs the daemon's teardown hooks when SIGINT or SIGTERM
// arrives, in reverse order of registration and under one deadline.
//
// The server registers, in start-up order: the settings store, the task
// runner, running VMs, the HTTP listener. Shutdown therefore stops
// accepting requests first, powers VMs down, drains tasks and closes the
// store last.
package shutdown
