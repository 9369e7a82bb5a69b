package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// EnvPrefix is shared by the agent and the server: TWEAK_SERVER_URL,
// TWEAK_SCRIPT_POLICY, TWEAK_POSTGRES_DSN and so on.
const EnvPrefix = "TWEAK"

type Config struct {
	DeviceID     string `mapstructure:"device_id"`
	ServerURL    string `mapstructure:"server_url"`
	MachineToken string `mapstructure:"machine_token"`

	// TLSCertFile and TLSKeyFile, when both set, present a client
	// certificate on the channel and audit requests.
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`

	// ScriptPolicy is strict, moderate or permissive.
	ScriptPolicy string `mapstructure:"script_policy"`

	HeartbeatIntervalSeconds  int `mapstructure:"heartbeat_interval_seconds"`
	HeartbeatFailureThreshold int `mapstructure:"heartbeat_failure_threshold"`
	ConnectRetrySeconds       int `mapstructure:"connect_retry_seconds"`
	ServiceWaitSeconds        int `mapstructure:"service_wait_seconds"`
	ScriptTimeoutSeconds      int `mapstructure:"script_timeout_seconds"`
	MaxConcurrentTweaks       int `mapstructure:"max_concurrent_tweaks"`
	TweakQueueSize            int `mapstructure:"tweak_queue_size"`

	PingHost      string `mapstructure:"ping_host"`
	RestorePoints bool   `mapstructure:"restore_points"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	JournalMaxSizeMB  int `mapstructure:"journal_max_size_mb"`
	JournalMaxBackups int `mapstructure:"journal_max_backups"`
}

func Default() *Config {
	return &Config{
		ScriptPolicy:              "moderate",
		HeartbeatIntervalSeconds:  30,
		HeartbeatFailureThreshold: 3,
		ConnectRetrySeconds:       5,
		ServiceWaitSeconds:        30,
		ScriptTimeoutSeconds:      300,
		MaxConcurrentTweaks:       4,
		TweakQueueSize:            64,
		PingHost:                  "8.8.8.8",
		LogLevel:                  "info",
		LogFormat:                 "text",
		LogMaxSizeMB:              20,
		LogMaxBackups:             3,
		JournalMaxSizeMB:          50,
		JournalMaxBackups:         3,
	}
}

// Load reads the agent config from cfgFile (or agent.yaml in the platform
// config dir) layered under TWEAK_* environment variables.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	if err := readInto(cfgFile, "agent", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the agent config back to cfgFile (or the default location)
// with owner-only permissions, since it carries the machine token.
func Save(cfg *Config, cfgFile string) error {
	v := viper.New()
	v.Set("device_id", cfg.DeviceID)
	v.Set("server_url", cfg.ServerURL)
	v.Set("machine_token", cfg.MachineToken)
	v.Set("script_policy", cfg.ScriptPolicy)
	v.Set("heartbeat_interval_seconds", cfg.HeartbeatIntervalSeconds)
	v.Set("heartbeat_failure_threshold", cfg.HeartbeatFailureThreshold)
	v.Set("connect_retry_seconds", cfg.ConnectRetrySeconds)
	v.Set("restore_points", cfg.RestorePoints)

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(configDir(), "agent.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0700); err != nil {
		return err
	}
	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}
	return os.Chmod(cfgPath, 0600)
}

func readInto(cfgFile, name string, out any) error {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(name)
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	bindEnv(v, out)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}
	return v.Unmarshal(out)
}

// bindEnv registers every mapstructure key so AutomaticEnv values reach
// Unmarshal even when the key is absent from the config file.
func bindEnv(v *viper.Viper, out any) {
	for _, key := range keysOf(out) {
		_ = v.BindEnv(key)
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "TweakAgent")
	case "darwin":
		return "/Library/Application Support/TweakAgent"
	default:
		return "/etc/tweakagent"
	}
}

// GetDataDir returns the directory for the audit journal and payload files.
func GetDataDir() string {
	if dir := os.Getenv(EnvPrefix + "_DATA_DIR"); dir != "" {
		return dir
	}
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "TweakAgent", "data")
	case "darwin":
		return "/Library/Application Support/TweakAgent/data"
	default:
		return "/var/lib/tweakagent"
	}
}
