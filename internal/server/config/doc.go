// Package config defines the vmsnap-server configuration.
//
//   - spec.go: ServerConfig and its sections (koanf tags)
//   - default.go: default values, as a struct and as loader defaults
//   - verify.go: validation after loading
//   - summary.go: key/value rendering for the start-up log
//
// Configuration is loaded with internal/infra/confloader: defaults, then
// the YAML file, then VMSNAP_* environment variables.
package config
