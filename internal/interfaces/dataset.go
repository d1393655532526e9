package interfaces

import (
	"context"

	"github.com/ternarybob/tablemind/internal/models"
)

// DatasetLoader reads an uploaded file into an ordered table
type DatasetLoader interface {
	// Load parses path according to declaredType. Unsupported types fail
	// with common.ErrValidation.
	Load(ctx context.Context, path string, declaredType models.MediaType) (*models.Dataset, error)
}

// SecretCodec seals and opens provider credentials at rest
type SecretCodec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}
