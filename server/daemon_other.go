//go:build !linux && !darwin

package server

import (
	"context"
	"errors"
)

var errNoDaemon = errors.New("daemonisation not supported on this platform")

// ErrAlreadyRunning is returned, when a daemon is already running
var ErrAlreadyRunning = errors.New("server already running")

// Daemonise is not supported on this platform
func Daemonise(_, _ string, _ func(ctx context.Context) error) error {
	return errNoDaemon
}

// KillDaemon is not supported on this platform
func KillDaemon(string) error {
	return errNoDaemon
}
