// File: internal/logging/logging.go
// Package logging
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared zerolog setup. Library code stays quiet unless the host opts in.

package logging

import (
	"io"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	base = zerolog.New(io.Discard)
)

// SetBase replaces the base logger used by all components created afterwards.
// Call early, before constructing servers or clients.
func SetBase(l zerolog.Logger) {
	mu.Lock()
	base = l
	mu.Unlock()
}

// Component derives a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With().Str("component", name).Logger()
}
