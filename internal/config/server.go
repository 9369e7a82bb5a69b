package config

// ServerConfig configures the tweak hub.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`

	// PostgresDSN empty means audit records are kept in memory only.
	PostgresDSN string `mapstructure:"postgres_dsn"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	RateLimitRequests      int `mapstructure:"rate_limit_requests"`
	RateLimitWindowSeconds int `mapstructure:"rate_limit_window_seconds"`

	// MachineTokens lists accepted X-Machine-Token values. Empty disables the check.
	MachineTokens []string `mapstructure:"machine_tokens"`

	// OperatorTokens lists bearer tokens accepted on the operator API. Empty
	// leaves the operator API closed.
	OperatorTokens []string `mapstructure:"operator_tokens"`

	StaleAfterSeconds    int `mapstructure:"stale_after_seconds"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func DefaultServer() *ServerConfig {
	return &ServerConfig{
		ListenAddr:             ":8080",
		RateLimitRequests:      120,
		RateLimitWindowSeconds: 60,
		StaleAfterSeconds:      120,
		SweepIntervalSeconds:   30,
		LogLevel:               "info",
		LogFormat:              "text",
	}
}

// LoadServer reads server.yaml (or cfgFile) layered under TWEAK_* variables.
func LoadServer(cfgFile string) (*ServerConfig, error) {
	cfg := DefaultServer()
	if err := readInto(cfgFile, "server", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
