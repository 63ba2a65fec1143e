// Package config holds the local settings of vmsnap-cli.
//
// Settings come from defaults, then ~/.vmsnap/cli.yaml (or --config),
// then VMSNAP_CLI_* environment variables. Command-line flags win over
// all of them.
package config
