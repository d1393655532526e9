package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and the resolved settings that matter at startup
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.Print("TableMind", GetVersion())

	logger.Info().
		Str("version", GetFullVersion()).
		Str("environment", config.Environment).
		Str("badger_path", config.Storage.Badger.Path).
		Str("queue", config.Queue.QueueName).
		Int("queue_concurrency", config.Queue.Concurrency).
		Int("chunk_concurrency", config.Processor.ChunkConcurrency).
		Str("default_provider", string(config.LLM.DefaultProvider)).
		Msg("TableMind starting")
}
