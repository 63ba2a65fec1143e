// Package volume answers filesystem queries for the merge disk-space guard:
// which volume a path lives on and how much space is free there.
package volume
