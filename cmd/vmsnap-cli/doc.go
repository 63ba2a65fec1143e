// Package main provides the entry point for vmsnap-cli.
//
// vmsnap-cli drives a vmsnap-server over HTTP:
//
//	vmsnap-cli machine list
//	vmsnap-cli snapshot take web01 --name before-upgrade --wait
//	vmsnap-cli snapshot delete web01 before-upgrade -o json
//	vmsnap-cli task wait 01J9Z3...
package main
