package cloud

import (
	"time"
)

// Config controls the cloud SQS/SNS transport. Queue URLs and topic ARNs
// are provisioned out-of-band and handed in here; the adapter never creates
// infrastructure.
type Config struct {
	Region string

	// QueueURLs maps registry queue names to SQS queue URLs.
	QueueURLs map[string]string
	// TopicARNs maps registry topic names to SNS topic ARNs.
	TopicARNs map[string]string

	// WaitTime is the long-poll duration per receive (default: 20s, the
	// service maximum).
	WaitTime time.Duration
	// BatchSize is the default messages-per-receive when a consumer does
	// not specify one (default and cap: 10).
	BatchSize int
	// MaxConcurrency is the default bound on concurrent handler
	// invocations per consumer (default: 8).
	MaxConcurrency int
	// ShutdownTimeout bounds how long a graceful stop waits for in-flight
	// handler invocations (default: 30s).
	ShutdownTimeout time.Duration
}

// maxReceiveBatch is the SQS per-call limit for both receive and batch send.
const maxReceiveBatch = 10

// toMap converts typed Config into the generic map expected by the
// transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"region":           c.Region,
		"queue_urls":       c.QueueURLs,
		"topic_arns":       c.TopicARNs,
		"wait_time":        c.WaitTime,
		"batch_size":       c.BatchSize,
		"max_concurrency":  c.MaxConcurrency,
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
	getStringMap := func(k string) map[string]string {
		switch v := cfg[k].(type) {
		case map[string]string:
			return v
		case map[string]any:
			out := make(map[string]string, len(v))
			for key, val := range v {
				if s, ok := val.(string); ok {
					out[key] = s
				}
			}
			return out
		}
		return nil
	}

	return Config{
		Region:          getString("region", "eu-central-1"),
		QueueURLs:       getStringMap("queue_urls"),
		TopicARNs:       getStringMap("topic_arns"),
		WaitTime:        getDur("wait_time", 20*time.Second),
		BatchSize:       getInt("batch_size", maxReceiveBatch),
		MaxConcurrency:  getInt("max_concurrency", 8),
		ShutdownTimeout: getDur("shutdown_timeout", 30*time.Second),
	}
}

func (c *Config) applyDefaults() {
	if c.Region == "" {
		c.Region = "eu-central-1"
	}
	if c.WaitTime <= 0 {
		c.WaitTime = 20 * time.Second
	}
	if c.BatchSize < 1 || c.BatchSize > maxReceiveBatch {
		c.BatchSize = maxReceiveBatch
	}
	if c.MaxConcurrency < 1 {
		c.MaxConcurrency = 8
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}
