// Package emulator is the in-process VM the daemon runs machines on.
//
// Every VM has one emulation thread (EMT), a goroutine that serves all
// requests for the VM in order: guest disk I/O, pause and resume, state
// saves, disk reconfiguration and online merges. While the EMT is busy
// with one request the others queue, so an online merge never races guest
// writes to the images it touches.
//
// A running VM holds a lock list per hard disk: write on the leaf image,
// read on every ancestor.
package emulator
