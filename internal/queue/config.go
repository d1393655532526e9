package queue

import (
	"time"

	"github.com/ternarybob/tablemind/internal/common"
)

// Config holds configuration for the queue manager and worker pool
type Config struct {
	// PollInterval is how long an idle worker waits before polling again
	PollInterval time.Duration

	// Concurrency is the number of concurrent workers
	Concurrency int

	// VisibilityTimeout is the message visibility timeout for redelivery
	VisibilityTimeout time.Duration

	// MaxReceive is the maximum times a message can be received before it is dropped
	MaxReceive int

	// QueueName is the key prefix of the queue in Badger
	QueueName string
}

// NewDefaultConfig creates a queue configuration with sensible defaults
func NewDefaultConfig() Config {
	return Config{
		PollInterval:      1 * time.Second,
		Concurrency:       4,
		VisibilityTimeout: 10 * time.Minute,
		MaxReceive:        3,
		QueueName:         "tablemind_jobs",
	}
}

// ConfigFrom converts the [queue] section of the application config
func ConfigFrom(c common.QueueConfig) Config {
	defaults := NewDefaultConfig()
	cfg := Config{
		PollInterval:      common.Duration(c.PollInterval, defaults.PollInterval),
		Concurrency:       c.Concurrency,
		VisibilityTimeout: common.Duration(c.VisibilityTimeout, defaults.VisibilityTimeout),
		MaxReceive:        c.MaxReceive,
		QueueName:         c.QueueName,
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.MaxReceive < 1 {
		cfg.MaxReceive = defaults.MaxReceive
	}
	if cfg.QueueName == "" {
		cfg.QueueName = defaults.QueueName
	}
	return cfg
}
