package common

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewChunkID generates a unique chunk ID with the "chk_" prefix
func NewChunkID() string {
	return "chk_" + uuid.New().String()
}

// NewTaskID generates a queue task handle with the "tsk_" prefix
func NewTaskID() string {
	return "tsk_" + uuid.New().String()
}

// NewNonce returns a random value used to make hashes unique per attempt
func NewNonce() string {
	return uuid.New().String()
}

// HashText returns the hex sha256 of text
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
