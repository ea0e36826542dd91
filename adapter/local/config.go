package local

import (
	"time"
)

// Config controls the local Redis transport.
type Config struct {
	// Client options
	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix namespaces the bus's list keys and pub/sub channels
	// (default: "bus").
	KeyPrefix string

	// Block is how long a queue consumer blocks per poll before re-checking
	// for cancellation (default: 2s).
	Block time.Duration

	// ShutdownTimeout bounds how long a graceful stop waits for in-flight
	// handler invocations (default: 30s).
	ShutdownTimeout time.Duration
}

// toMap converts typed Config into the generic map expected by the
// transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":             c.Addr,
		"username":         c.Username,
		"password":         c.Password,
		"db":               c.DB,
		"key_prefix":       c.KeyPrefix,
		"block":            c.Block,
		"shutdown_timeout": c.ShutdownTimeout,
	}
}

// ConfigFromMap safely converts cfg into Config with defaults.
func ConfigFromMap(cfg map[string]any) Config {
	getString := func(k, d string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return d
	}
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
		return d
	}
	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	return Config{
		Addr:            getString("addr", "127.0.0.1:6379"),
		Username:        getString("username", ""),
		Password:        getString("password", ""),
		DB:              getInt("db", 0),
		KeyPrefix:       getString("key_prefix", "bus"),
		Block:           getDur("block", 2*time.Second),
		ShutdownTimeout: getDur("shutdown_timeout", 30*time.Second),
	}
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:6379"
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "bus"
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}
