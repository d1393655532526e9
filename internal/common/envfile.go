package common

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/ternarybob/arbor"
)

// LoadEnvFile reads KEY=value lines from a .env file. Quotes around values
// are stripped; blank lines and # comments are ignored. A missing file
// yields an empty map.
func LoadEnvFile(path string, logger arbor.ILogger) (map[string]string, error) {
	values := make(map[string]string)
	if path == "" {
		return values, nil
	}

	file, err := os.Open(path)
	if os.IsNotExist(err) {
		logger.Debug().Str("file", path).Msg(".env file does not exist, skipping")
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open env file %s: %w", path, err)
	}
	defer file.Close()

	skipped := 0
	scanner := bufio.NewScanner(file)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			logger.Warn().Str("file", path).Int("line", lineNum).Msg("Invalid line format, expected KEY=value")
			skipped++
			continue
		}

		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		if value == "" {
			skipped++
			continue
		}
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}

	logger.Debug().
		Str("file", path).
		Int("loaded", len(values)).
		Int("skipped", skipped).
		Msg("Loaded variables from .env file")
	return values, nil
}

// ChainLookup tries each lookup in order and returns the first hit
func ChainLookup(lookups ...LookupFunc) LookupFunc {
	return func(name string) (string, bool) {
		for _, lookup := range lookups {
			if v, ok := lookup(name); ok {
				return v, true
			}
		}
		return "", false
	}
}
