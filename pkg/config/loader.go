package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/psaab/bpfpp/pkg/bounce"
	"github.com/psaab/bpfpp/pkg/stats"
)

// EnvPrefix prefixes environment overrides, e.g. BPFPP_STATS_MODE.
const EnvPrefix = "BPFPP"

// DefaultPath is the configuration file the daemon reads by default.
const DefaultPath = "/etc/bpfpp/bpfpp.yaml"

func setDefaults(v *viper.Viper) {
	v.SetDefault("interface", "")
	v.SetDefault("queue", 0)
	v.SetDefault("engine", string(EngineKernel))
	v.SetDefault("object", "/usr/lib/bpfpp/bpfpp.o")
	v.SetDefault("attach_mode", "")
	v.SetDefault("pin_path", "/sys/fs/bpf/bpfpp")

	v.SetDefault("bounce.port", bounce.DefaultPort)
	v.SetDefault("bounce.peers", []string{})
	v.SetDefault("bounce.payload_offset", 0)
	v.SetDefault("bounce.warmup_rounds", bounce.DefaultWarmupRounds)
	v.SetDefault("bounce.clock_hz", 0)
	v.SetDefault("bounce.side_tables", false)

	v.SetDefault("stats.mode", "histogram")
	v.SetDefault("stats.cores", 0)
	v.SetDefault("stats.log_capacity", stats.DefaultLogCapacity)
	v.SetDefault("stats.side_capacity", stats.DefaultSideCapacity)
	v.SetDefault("stats.num_buckets", stats.DefaultNumBuckets)
	v.SetDefault("stats.bucket_width", stats.DefaultBucketWidth)
	v.SetDefault("stats.report_interval", "10s")

	v.SetDefault("xsk.num_frames", 4096)
	v.SetDefault("xsk.frame_size", 2048)
	v.SetDefault("xsk.ring_size", 2048)
	v.SetDefault("xsk.copy", false)
	v.SetDefault("xsk.busy_poll", false)
	v.SetDefault("xsk.batch_size", 64)
	v.SetDefault("xsk.poll_timeout", "100ms")
	v.SetDefault("xsk.heartbeat_interval", "0s")
	v.SetDefault("xsk.peer_mac", "")

	v.SetDefault("api.addr", ":9464")
	v.SetDefault("api.https_addr", "")
	v.SetDefault("api.tls", false)
	v.SetDefault("api.cert_dir", "/etc/bpfpp/tls")
	v.SetDefault("api.protect_metrics", false)

	v.SetDefault("prober.port", bounce.DefaultPort)
	v.SetDefault("prober.interval", "1s")
	v.SetDefault("prober.count", 0)
	v.SetDefault("prober.ttl", 64)
	v.SetDefault("prober.payload_offset", 0)
}

// Load reads the configuration at path, applies defaults and environment
// overrides, and validates the result. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if path != "" {
		ext := filepath.Ext(path)
		v.SetConfigFile(path)
		v.SetConfigType(strings.TrimPrefix(ext, "."))
		if ext == "" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
