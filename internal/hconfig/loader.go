package hconfig

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from path (if non-empty), environment variables
// prefixed HEL_, and defaults, the way the teacher's pkg/config/viper.go
// wires search paths and an env prefix for the crawler.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hel")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hel")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for i := range cfg.Sources {
		cfg.Sources[i].ApplyDefaults()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config_invalid: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.development", false)

	v.SetDefault("global.state.backend", string(StateMemory))
	v.SetDefault("global.state.fallback_to_memory", true)

	v.SetDefault("global.output.strategy", string(OutputBlock))
	v.SetDefault("global.output.drop_policy", string(DropOldestFirst))
	v.SetDefault("global.output.event_queue_size", 10000)
	v.SetDefault("global.output.stdout_buffer_size", 4096)
	v.SetDefault("global.output.source_label_key", "source")
	v.SetDefault("global.output.memory_threshold_mb", 512)
	v.SetDefault("global.output.sink", string(SinkStdout))
	v.SetDefault("global.output.rotation", string(RotationNone))
	v.SetDefault("global.output.segment_size_mb", 100)
	v.SetDefault("global.output.disk_buffer.segment_size_mb", 50)
	v.SetDefault("global.output.disk_buffer.max_size_mb", 1024)

	v.SetDefault("global.bulkhead.max_concurrent_sources", 16)
	v.SetDefault("global.bulkhead.max_concurrent_requests", 4)
	v.SetDefault("global.load_shedding.skip_priority_below", 0)
	v.SetDefault("global.degradation.emit_without_checkpoint", false)
	v.SetDefault("global.restart_sources_on_sighup", false)
}
