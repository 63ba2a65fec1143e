package config

import "time"

// Defaults.
const (
	DefaultServer       = "http://127.0.0.1:5180"
	DefaultOutput       = "table"
	DefaultTimeout      = 30 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

// CLIConfig is the configuration for vmsnap-cli.
type CLIConfig struct {
	// Server is the vmsnap-server HTTP address.
	Server string `koanf:"server"`
	// Output is the default -o format.
	Output string `koanf:"output"`
	// Timeout bounds each HTTP request.
	Timeout time.Duration `koanf:"timeout"`
	// PollInterval is how often --wait polls a task.
	PollInterval time.Duration `koanf:"poll_interval"`

	// CAFile is a PEM bundle trusted in addition to the system roots
	// when the server is reached over https.
	CAFile string `koanf:"ca_file"`
	// Insecure skips server certificate verification.
	Insecure bool `koanf:"insecure"`
}

// Default returns the default CLI configuration.
func Default() *CLIConfig {
	return &CLIConfig{
		Server:       DefaultServer,
		Output:       DefaultOutput,
		Timeout:      DefaultTimeout,
		PollInterval: DefaultPollInterval,
	}
}

func defaultMap() map[string]any {
	return map[string]any{
		"server":        DefaultServer,
		"output":        DefaultOutput,
		"timeout":       DefaultTimeout.String(),
		"poll_interval": DefaultPollInterval.String(),
		"ca_file":       "",
		"insecure":      false,
	}
}
