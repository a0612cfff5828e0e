// Package config loads the nanny's file-based supervisor configuration
// (children with their stop/health commands, periodic tasks, HTTP/
// multicast boundary addresses), generalizing the teacher's
// internal/config (viper + mapstructure-driven ProcessConfig decoding)
// to the nanny's child/health/periodic shape instead of the teacher's
// process/group/store/history shape.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/loykin/nanny/internal/boundary/udpmcast"
	"github.com/loykin/nanny/internal/nanny"
)

// Config is the top-level decoded shape of a nanny config file.
type Config struct {
	LogDir    string        `mapstructure:"log_dir"`
	FifoPath  string        `mapstructure:"fifo_path"`
	PidFile   string        `mapstructure:"pid_file"`
	HTTP      *HTTPConfig   `mapstructure:"http"`
	Multicast *McastConfig  `mapstructure:"multicast"`
	Children  []ChildConfig `mapstructure:"children"`

	Specs []nanny.Spec

	configPath string
}

type HTTPConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type McastConfig struct {
	Addr string `mapstructure:"addr"`
	Port int    `mapstructure:"port"`
}

// ChildConfig is the on-disk shape of one supervised child, decoded into
// a nanny.Spec. Field names mirror spec.md §2/§4 rather than the
// teacher's process.Spec shape.
type ChildConfig struct {
	Instance    string   `mapstructure:"instance"`
	StartCmd    string   `mapstructure:"start_cmd"`
	StopCmd     string   `mapstructure:"stop_cmd"`
	HealthCmd   string   `mapstructure:"health_cmd"`
	Restartable bool     `mapstructure:"restartable"`
	Env         []string `mapstructure:"env"`
	LogDir      string   `mapstructure:"log_dir"`
	Periodic    []string `mapstructure:"periodic"`
}

// Load reads configPath (YAML/JSON/TOML, whatever viper's extension
// sniffing supports) and decodes it into a Config, resolving per-child
// log directories against the global log_dir the same way the teacher's
// applyGlobalLogDefaults resolves paths against its config file's
// directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", configPath, err)
	}

	cfg := &Config{configPath: configPath}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", configPath, err)
	}

	baseDir := filepath.Dir(configPath)
	globalLogDir := resolveDir(baseDir, cfg.LogDir)

	cfg.Specs = make([]nanny.Spec, 0, len(cfg.Children))
	for i, cc := range cfg.Children {
		if strings.TrimSpace(cc.StartCmd) == "" {
			return nil, fmt.Errorf("config: children[%d] requires start_cmd", i)
		}
		logDir := globalLogDir
		if cc.LogDir != "" {
			logDir = resolveDir(baseDir, cc.LogDir)
		}
		cfg.Specs = append(cfg.Specs, nanny.Spec{
			Instance:    cc.Instance,
			StartCmd:    cc.StartCmd,
			StopCmd:     cc.StopCmd,
			HealthCmd:   cc.HealthCmd,
			Restartable: cc.Restartable,
			Env:         cc.Env,
			LogDir:      logDir,
			Periodic:    cc.Periodic,
		})
	}

	if cfg.Multicast == nil {
		cfg.Multicast = &McastConfig{Addr: udpmcast.DefaultAddr, Port: udpmcast.DefaultPort}
	} else {
		if cfg.Multicast.Addr == "" {
			cfg.Multicast.Addr = udpmcast.DefaultAddr
		}
		if cfg.Multicast.Port == 0 {
			cfg.Multicast.Port = udpmcast.DefaultPort
		}
	}

	return cfg, nil
}

func resolveDir(baseDir, p string) string {
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}
