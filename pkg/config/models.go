package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Redis     RedisConfig
	Broker    BrokerConfig
	LogLevel  string `mapstructure:"logLevel"`
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

type BrokerConfig struct {
	// DedupTTL bounds how long an envelope id is remembered.
	DedupTTL time.Duration `mapstructure:"dedupTTL"`
	// DedupCap bounds how many envelope ids are remembered at once.
	DedupCap int `mapstructure:"dedupCap"`
}
