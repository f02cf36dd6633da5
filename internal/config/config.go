package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "GROUPCALL"

type Config struct {
	Mode     string `mapstructure:"mode" yaml:"mode"`
	Port     int    `mapstructure:"port" yaml:"port"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	// APIToken protects the local control API when set.
	APIToken string `mapstructure:"api_token" yaml:"api_token"`

	CoordinatorURL string `mapstructure:"coordinator_url" yaml:"coordinator_url"`
	Token          string `mapstructure:"token" yaml:"token"`
	SelfUserID     string `mapstructure:"self_user_id" yaml:"self_user_id"`

	ICEServers   []string `mapstructure:"ice_servers" yaml:"ice_servers"`
	InputDevices []string `mapstructure:"input_devices" yaml:"input_devices"`

	RenegotiateInterval time.Duration `mapstructure:"renegotiate_interval" yaml:"renegotiate_interval"`
	RingbackDelay       time.Duration `mapstructure:"ringback_delay" yaml:"ringback_delay"`
	SpeakingThreshold   float64       `mapstructure:"speaking_threshold" yaml:"speaking_threshold"`
	SpeakingAttack      time.Duration `mapstructure:"speaking_attack" yaml:"speaking_attack"`
	SpeakingRelease     time.Duration `mapstructure:"speaking_release" yaml:"speaking_release"`
	AnalysisInterval    time.Duration `mapstructure:"analysis_interval" yaml:"analysis_interval"`
	ParticipantsLimit   int           `mapstructure:"participants_limit" yaml:"participants_limit"`

	JoinRateLimit  int           `mapstructure:"join_rate_limit" yaml:"join_rate_limit"`
	JoinRateWindow time.Duration `mapstructure:"join_rate_window" yaml:"join_rate_window"`
}

func Default() Config {
	return Config{
		Mode:                "release",
		Port:                8080,
		LogLevel:            "info",
		CoordinatorURL:      "ws://127.0.0.1:9000/rpc",
		ICEServers:          []string{"stun:stun.l.google.com:19302"},
		RenegotiateInterval: time.Second,
		RingbackDelay:       2500 * time.Millisecond,
		SpeakingThreshold:   0.2,
		SpeakingAttack:      150 * time.Millisecond,
		SpeakingRelease:     time.Second,
		AnalysisInterval:    50 * time.Millisecond,
		ParticipantsLimit:   100,
		JoinRateLimit:       5,
		JoinRateWindow:      time.Minute,
	}
}

// Load reads defaults < config file < GROUPCALL_* env vars. Without an
// explicit path the file is config/config.<CONFIG_ENV>.yaml; a missing
// file is created from the defaults.
func Load(explicitPath string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileName := resolvePath(explicitPath)
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := writeDefault(fileName, cfg); err != nil {
			log.Warn().Str("module", "config").Err(err).Str("path", fileName).Msg("failed to write default config")
		} else {
			log.Info().Str("module", "config").Str("path", fileName).Msg("created default config")
		}
	} else {
		log.Info().Str("module", "config").Str("path", fileName).Msg("loaded config")
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("coordinator", cfg.CoordinatorURL).
		Msg("config resolved")
	return &cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("mode", cfg.Mode)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("api_token", cfg.APIToken)
	v.SetDefault("coordinator_url", cfg.CoordinatorURL)
	v.SetDefault("token", cfg.Token)
	v.SetDefault("self_user_id", cfg.SelfUserID)
	v.SetDefault("ice_servers", cfg.ICEServers)
	v.SetDefault("input_devices", cfg.InputDevices)
	v.SetDefault("renegotiate_interval", cfg.RenegotiateInterval)
	v.SetDefault("ringback_delay", cfg.RingbackDelay)
	v.SetDefault("speaking_threshold", cfg.SpeakingThreshold)
	v.SetDefault("speaking_attack", cfg.SpeakingAttack)
	v.SetDefault("speaking_release", cfg.SpeakingRelease)
	v.SetDefault("analysis_interval", cfg.AnalysisInterval)
	v.SetDefault("participants_limit", cfg.ParticipantsLimit)
	v.SetDefault("join_rate_limit", cfg.JoinRateLimit)
	v.SetDefault("join_rate_window", cfg.JoinRateWindow)
}

func resolvePath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return filepath.Join("config", fmt.Sprintf("config.%s.yaml", env))
}

func writeDefault(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
