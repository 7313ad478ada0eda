package config

import "github.com/spf13/viper"

type Config struct {
	Running struct {
		Port int    `mapstructure:"port"`
		Mode string `mapstructure:"mode"` // gin mode: debug/release
	} `mapstructure:"running"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"auth"`
	Collab struct {
		QueueDepth     int    `mapstructure:"queueDepth"`
		WindowSize     uint64 `mapstructure:"windowSize"`
		AutosaveEvery  int    `mapstructure:"autosaveEvery"`
		SendBuffer     int    `mapstructure:"sendBuffer"`
		IdleTimeoutSec int    `mapstructure:"idleTimeoutSec"`
		PresenceTTLSec int    `mapstructure:"presenceTtlSec"`
	} `mapstructure:"collab"`
}

// Load reads collabConfig.yaml from the usual locations, working from
// either the repo root or the binary directory.
func Load() (*Config, error) {
	cfg := &Config{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
