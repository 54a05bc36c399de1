package logging

import (
	"os"
	"sync"
)

var (
	globalLogger = DefaultLogger()
	globalMu     sync.RWMutex
)

// SetGlobal replaces the process logger.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// Global returns the process logger.
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Configure builds the process logger for one endpoint and installs it as
// the global logger. Caller info is added at debug level.
func Configure(level, format, role, identity string) *Logger {
	lvl := ParseLevel(level)
	l := New(Config{
		Level:     lvl,
		Format:    ParseFormat(format),
		Output:    os.Stderr,
		AddCaller: lvl == LevelDebug,
	})
	if role != "" {
		l = l.WithRole(role)
	}
	if identity != "" {
		l = l.WithIdentity(identity)
	}
	SetGlobal(l)
	return l
}
