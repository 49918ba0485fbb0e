package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration settings for a run.
type Config struct {
	// Forks bounds how many hosts of a tier converge concurrently.
	Forks int `mapstructure:"forks"`
	// Strict aborts the run when a tier finishes degraded instead of
	// proceeding to the next tier.
	Strict      bool          `mapstructure:"strict"`
	GatherFacts bool          `mapstructure:"gather_facts"`
	Logging     LoggingConfig `mapstructure:"logging"`
	SSH         SSHConfig     `mapstructure:"ssh"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Timestamps bool   `mapstructure:"timestamps"`
	File       string `mapstructure:"file"`
}

// SSHConfig holds transport-related configuration
type SSHConfig struct {
	User            string        `mapstructure:"user"`
	Port            int           `mapstructure:"port"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries  int           `mapstructure:"connect_retries"`
	ConnectDelay    time.Duration `mapstructure:"connect_delay"`
	HostKeyChecking bool          `mapstructure:"host_key_checking"`
	KnownHosts      string        `mapstructure:"known_hosts"`
}

// Load loads configuration from files and environment variables
func Load(configPaths ...string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	for _, path := range configPaths {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("TIERCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.Forks < 1 {
		return nil, fmt.Errorf("forks must be at least 1, got %d", config.Forks)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("forks", 5)
	v.SetDefault("strict", false)
	v.SetDefault("gather_facts", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "plain")
	v.SetDefault("logging.timestamps", true)
	v.SetDefault("logging.file", "")

	// SSH defaults
	v.SetDefault("ssh.user", "")
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.connect_timeout", 10*time.Second)
	v.SetDefault("ssh.connect_retries", 3)
	v.SetDefault("ssh.connect_delay", 2*time.Second)
	v.SetDefault("ssh.host_key_checking", false)
	v.SetDefault("ssh.known_hosts", "~/.ssh/known_hosts")
}
