// Package config loads the node's configuration from environment
// variables. Every knob has a default, so a bare `cachenode` starts with a
// 100 MiB budget on :50051 against a local Redis.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the node's full configuration.
type Config struct {
	// MaxMemory bounds the sum of compressed value sizes, in bytes.
	MaxMemory int64

	// DefaultTTL is applied when replicating fallback results to peers.
	DefaultTTL time.Duration

	// FrequencyThreshold is reserved for a future admission policy and is
	// currently unused by the engine.
	FrequencyThreshold uint64

	// ReplicationFactor is the number of replica nodes per key in
	// addition to the primary.
	ReplicationFactor int

	// LocalAddress is the RPC listen address.
	LocalAddress string

	// PodIP is this node's identity on the ring; membership discovery
	// feeds pod IPs, so the identity must match what peers see.
	PodIP string

	// RedisURL points at the fallback store. Empty disables fallback.
	RedisURL string

	// EnableMonitoring starts the metrics/stats listener.
	EnableMonitoring bool

	// MonitoringAddress is the monitoring listen address.
	MonitoringAddress string

	// TLSCertPath and TLSKeyPath enable TLS when both are set.
	TLSCertPath string
	TLSKeyPath  string

	// JWTSecret enables bearer-token authentication when non-empty.
	JWTSecret string

	// TransactionTimeout is how long a transaction stays open after Begin;
	// activity does not extend it. Past it, the sweep reclaims it.
	TransactionTimeout time.Duration

	// EnableTransactions toggles the transaction manager.
	EnableTransactions bool

	// Namespace and AppLabel select the pods watched for membership.
	Namespace string
	AppLabel  string
}

// Load reads the configuration from the environment.
func Load() Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("MAX_MEMORY", int64(100*1024*1024))
	v.SetDefault("DEFAULT_TTL", 3600)
	v.SetDefault("FREQUENCY_THRESHOLD", 1)
	v.SetDefault("REPLICATION_FACTOR", 2)
	v.SetDefault("LOCAL_ADDRESS", "0.0.0.0:50051")
	v.SetDefault("POD_IP", "localhost")
	v.SetDefault("REDIS_URL", "redis://127.0.0.1:6379/0")
	v.SetDefault("ENABLE_MONITORING", false)
	v.SetDefault("MONITORING_ADDRESS", "0.0.0.0:9898")
	v.SetDefault("TLS_CERT_PATH", "")
	v.SetDefault("TLS_KEY_PATH", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("TRANSACTION_TIMEOUT", 30)
	v.SetDefault("ENABLE_TRANSACTIONS", true)
	v.SetDefault("NAMESPACE", "default")
	v.SetDefault("APP_LABEL", "distributed-cache")

	return Config{
		MaxMemory:          v.GetInt64("MAX_MEMORY"),
		DefaultTTL:         time.Duration(v.GetInt64("DEFAULT_TTL")) * time.Second,
		FrequencyThreshold: v.GetUint64("FREQUENCY_THRESHOLD"),
		ReplicationFactor:  v.GetInt("REPLICATION_FACTOR"),
		LocalAddress:       v.GetString("LOCAL_ADDRESS"),
		PodIP:              v.GetString("POD_IP"),
		RedisURL:           v.GetString("REDIS_URL"),
		EnableMonitoring:   v.GetBool("ENABLE_MONITORING"),
		MonitoringAddress:  v.GetString("MONITORING_ADDRESS"),
		TLSCertPath:        v.GetString("TLS_CERT_PATH"),
		TLSKeyPath:         v.GetString("TLS_KEY_PATH"),
		JWTSecret:          v.GetString("JWT_SECRET"),
		TransactionTimeout: time.Duration(v.GetInt64("TRANSACTION_TIMEOUT")) * time.Second,
		EnableTransactions: v.GetBool("ENABLE_TRANSACTIONS"),
		Namespace:          v.GetString("NAMESPACE"),
		AppLabel:           v.GetString("APP_LABEL"),
	}
}

// TLSEnabled reports whether both certificate and key paths are set.
func (c Config) TLSEnabled() bool {
	return c.TLSCertPath != "" && c.TLSKeyPath != ""
}
