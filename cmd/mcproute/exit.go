package main

import (
	"errors"
	"os"

	"mcproute/internal/infra/catalog"
)

const (
	exitGeneric = 1
	exitUsage   = 2
	exitConfig  = 3
)

type exitError struct {
	code    int
	message string
	silent  bool
}

func (e exitError) Error() string {
	return e.message
}

func usageError(message string) exitError {
	return exitError{code: exitUsage, message: message}
}

// exitCodeFor maps a command error onto the process exit status.
func exitCodeFor(err error) int {
	var exitErr exitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		return exitErr.code
	case errors.Is(err, catalog.ErrInvalidConfig), errors.Is(err, os.ErrNotExist):
		return exitConfig
	default:
		return exitGeneric
	}
}
