package main

import (
	"errors"

	"github.com/ternarybob/tablemind/internal/common"
)

// Exit codes by error kind
const (
	exitFailure     = 1
	exitValidation  = 2
	exitNotFound    = 3
	exitQuota       = 4
	exitUnavailable = 5
)

func exitCode(err error) int {
	switch {
	case errors.Is(err, common.ErrValidation):
		return exitValidation
	case errors.Is(err, common.ErrNotFound):
		return exitNotFound
	case errors.Is(err, common.ErrQuotaExceeded):
		return exitQuota
	case errors.Is(err, common.ErrQueueUnavailable):
		return exitUnavailable
	default:
		return exitFailure
	}
}
