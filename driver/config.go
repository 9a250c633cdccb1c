package driver

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oceanlab/go-instrument/logger"
)

// Comms config mapping keys.
const (
	// ConfigKeyAddr is the required relay host address.
	ConfigKeyAddr = "addr"
	// ConfigKeyPort is the required relay data port.
	ConfigKeyPort = "port"
	// ConfigKeyCmdPort is the optional relay command port.
	ConfigKeyCmdPort = "cmd_port"
	// ConfigKeyTestTransport is a reserved test-only key holding a pre-built
	// Transport that bypasses transport construction.
	ConfigKeyTestTransport = "test_transport"
)

// Reconnect policy bounds. The retry interval for failed configuration
// attempts doubles with jitter on every consecutive failure, capped at the
// maximum, and resets to the starting interval once the relay link is up.
// There is no retry ceiling; drivers on unattended long-duration deployments
// keep trying for as long as they run.
const (
	StartingReconnectInterval = 500 * time.Millisecond
	MaximumReconnectInterval  = 256 * time.Second
	reconnectJitter           = 500 * time.Millisecond
)

// commsConfig is a validated comms configuration.
type commsConfig struct {
	addr    string
	port    int
	cmdPort int

	// testTransport, when set, is used verbatim instead of building one.
	testTransport Transport
}

// parseCommsConfig validates a comms config mapping.
func parseCommsConfig(cfg map[string]any) (*commsConfig, error) {
	if stub, ok := cfg[ConfigKeyTestTransport]; ok {
		t, ok := stub.(Transport)
		if !ok || t == nil {
			return nil, fmt.Errorf("%w: %s does not hold a Transport", ErrInvalidParameter, ConfigKeyTestTransport)
		}

		return &commsConfig{testTransport: t}, nil
	}

	addr, ok := cfg[ConfigKeyAddr].(string)
	if !ok || addr == "" {
		return nil, fmt.Errorf("%w: missing or invalid %s", ErrInvalidParameter, ConfigKeyAddr)
	}

	port, ok := toPort(cfg[ConfigKeyPort])
	if !ok {
		return nil, fmt.Errorf("%w: missing or invalid %s", ErrInvalidParameter, ConfigKeyPort)
	}

	parsed := &commsConfig{addr: addr, port: port}

	if raw, ok := cfg[ConfigKeyCmdPort]; ok {
		cmdPort, ok := toPort(raw)
		if !ok {
			return nil, fmt.Errorf("%w: invalid %s", ErrInvalidParameter, ConfigKeyCmdPort)
		}
		parsed.cmdPort = cmdPort
	}

	return parsed, nil
}

// toPort coerces the numeric types produced by YAML and JSON decoding into a
// valid TCP port number.
func toPort(v any) (int, bool) {
	var port int
	switch n := v.(type) {
	case int:
		port = n
	case int64:
		port = int(n)
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		port = int(n)
	default:
		return 0, false
	}

	if port <= 0 || port > 65535 {
		return 0, false
	}

	return port, true
}

// LoadCommsConfig reads a comms config mapping from a YAML file.
//
// The result is suitable for Configure; validation happens there, not here.
func LoadCommsConfig(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read comms config %s: %w", path, err)
	}

	var cfg map[string]any
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse comms config %s: %w", path, err)
	}

	return cfg, nil
}

// Option customizes a Driver.
type Option func(*Driver)

// WithLogger overrides the driver's logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithAutoConnect controls whether the driver automatically injects a Connect
// event upon entering the disconnected state. Defaults to true. A manual
// Disconnect also clears the flag so the driver does not immediately undo it.
func WithAutoConnect(enable bool) Option {
	return func(d *Driver) {
		d.autoConnect.Store(enable)
	}
}

// WithDiscoverer sets the external collaborator used to locate the relay when
// Configure is called without an explicit comms config.
func WithDiscoverer(disc Discoverer) Option {
	return func(d *Driver) {
		d.discoverer = disc
	}
}

// WithInitParams seeds the startup parameters pushed to the device protocol
// when a connection epoch begins.
func WithInitParams(cfg map[string]any) Option {
	return func(d *Driver) {
		d.startupConfig = cfg
	}
}
