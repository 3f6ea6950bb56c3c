//go:build unix

package instance

import (
	"fmt"
	"strconv"
	"time"

	"github.com/srediag/instance-shm/pkg/arena"
)

// Config configures one instance's arena sizing, batching policy, and
// the model layout its stub is spawned against, parsed from the
// backend's recognized cmdline parameters.
type Config struct {
	// Name, Kind, and DeviceID together derive the arena name per
	// the pattern "/<instance_name>_<kind_string>_<device_id>".
	Name     string
	Kind     string
	DeviceID string

	ModelRepository string
	Version         string
	StubBinaryName  string
	BackendStubPath string
	BackendLibPath  string
	// EnvPath is EXECUTION_ENV_PATH, the per-model execution
	// environment to source before exec'ing the stub.
	EnvPath string

	// DefaultSize is shm-default-byte-size; must be >= arena.MinSize.
	DefaultSize uint64
	// GrowthSize is shm-growth-byte-size; must be > 0.
	GrowthSize uint64
	// StubTimeout is stub-timeout-seconds.
	StubTimeout time.Duration

	// MaxBatchSize is the configured cap on total_batch_size; zero
	// means unbounded.
	MaxBatchSize int
	// BatchingEnabled selects whether total_batch_size is computed
	// from input 0's leading dimension (true) or from request_count
	// (false).
	BatchingEnabled bool

	// MaxWaitForStub is the optional overall ceiling on wait_for_stub.
	// Zero means unbounded, matching the source design.
	MaxWaitForStub time.Duration
}

// ArenaName returns the POSIX shared-memory object name this
// instance's arena is created under, built from Name, Kind, and DeviceID.
func (c Config) ArenaName() string {
	return fmt.Sprintf("/%s_%s_%s", c.Name, c.Kind, c.DeviceID)
}

// FromCmdline parses the host-provided cmdline map, applying
// arena.DefaultSize/arena.DefaultGrowth and
// supervisor.DefaultStubTimeout when a key is absent, and returning a
// KindConfig error for any malformed or out-of-range value.
func FromCmdline(name, kind, deviceID string, cmdline map[string]string) (Config, error) {
	cfg := Config{
		Name:        name,
		Kind:        kind,
		DeviceID:    deviceID,
		DefaultSize: arena.DefaultSize,
		GrowthSize:  arena.DefaultGrowth,
		StubTimeout: 30 * time.Second,
	}

	if v, ok := cmdline["shm-default-byte-size"]; ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, newError(KindConfig, fmt.Errorf("shm-default-byte-size: %w", err))
		}
		if n < arena.MinSize {
			return Config{}, newError(KindConfig, fmt.Errorf("shm-default-byte-size %d below minimum %d", n, arena.MinSize))
		}
		cfg.DefaultSize = n
	}
	if v, ok := cmdline["shm-growth-byte-size"]; ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, newError(KindConfig, fmt.Errorf("shm-growth-byte-size: %w", err))
		}
		if n == 0 {
			return Config{}, newError(KindConfig, fmt.Errorf("shm-growth-byte-size must be > 0"))
		}
		cfg.GrowthSize = n
	}
	if v, ok := cmdline["stub-timeout-seconds"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, newError(KindConfig, fmt.Errorf("stub-timeout-seconds: %w", err))
		}
		if n <= 0 {
			return Config{}, newError(KindConfig, fmt.Errorf("stub-timeout-seconds must be > 0"))
		}
		cfg.StubTimeout = time.Duration(n) * time.Second
	}
	if v, ok := cmdline["EXECUTION_ENV_PATH"]; ok {
		cfg.EnvPath = v
	}
	if v, ok := cmdline["max-batch-size"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, newError(KindConfig, fmt.Errorf("max-batch-size: %w", err))
		}
		cfg.MaxBatchSize = n
	}

	return cfg, nil
}
