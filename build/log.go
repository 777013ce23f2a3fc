package build

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/btcsuite/btclog"
)

// DefaultLogLevel is the level applied to every subsystem logger that has not
// been given an explicit level.
const DefaultLogLevel = "info"

// NewSubLogger constructs a new subsystem logger. If no constructor is
// provided, logging for the subsystem is disabled until the caller installs a
// real logger via the package's UseLogger function.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	if genSubLogger != nil {
		return genSubLogger(subsystem)
	}

	return btclog.Disabled
}

// SubLoggerManager owns the log backend and hands out per-subsystem loggers.
// All loggers created by the same manager share one writer.
type SubLoggerManager struct {
	mu sync.Mutex

	backend    *btclog.Backend
	subLoggers map[string]btclog.Logger
}

// NewSubLoggerManager creates a manager writing to w. Passing nil writes to
// stdout.
func NewSubLoggerManager(w io.Writer) *SubLoggerManager {
	if w == nil {
		w = os.Stdout
	}

	return &SubLoggerManager{
		backend:    btclog.NewBackend(w),
		subLoggers: make(map[string]btclog.Logger),
	}
}

// GenSubLogger returns a constructor compatible with NewSubLogger that
// registers every created logger with the manager so its level can be
// adjusted later.
func (m *SubLoggerManager) GenSubLogger() func(string) btclog.Logger {
	return func(subsystem string) btclog.Logger {
		m.mu.Lock()
		defer m.mu.Unlock()

		if logger, ok := m.subLoggers[subsystem]; ok {
			return logger
		}

		logger := m.backend.Logger(subsystem)
		level, _ := btclog.LevelFromString(DefaultLogLevel)
		logger.SetLevel(level)

		m.subLoggers[subsystem] = logger

		return logger
	}
}

// SubLoggers returns the map of all registered subsystem loggers.
func (m *SubLoggerManager) SubLoggers() map[string]btclog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()

	loggers := make(map[string]btclog.Logger, len(m.subLoggers))
	for tag, logger := range m.subLoggers {
		loggers[tag] = logger
	}

	return loggers
}

// SupportedSubsystems returns the sorted names of all registered subsystems.
func (m *SubLoggerManager) SupportedSubsystems() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	subsystems := make([]string, 0, len(m.subLoggers))
	for tag := range m.subLoggers {
		subsystems = append(subsystems, tag)
	}
	sort.Strings(subsystems)

	return subsystems
}

// SetLogLevel assigns an individual subsystem logger a new log level.
func (m *SubLoggerManager) SetLogLevel(subsystem string, level string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger, ok := m.subLoggers[subsystem]
	if !ok {
		return
	}

	lvl, _ := btclog.LevelFromString(level)
	logger.SetLevel(lvl)
}

// SetLogLevels assigns all registered subsystem loggers the same level.
func (m *SubLoggerManager) SetLogLevels(level string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lvl, _ := btclog.LevelFromString(level)
	for _, logger := range m.subLoggers {
		logger.SetLevel(lvl)
	}
}

// ParseAndSetDebugLevels parses a level spec of the form
// "level,subsystem1=level1,..." and applies it to the manager. An error is
// returned for unknown levels or subsystems.
func ParseAndSetDebugLevels(level string, m *SubLoggerManager) error {
	levels := strings.Split(level, ",")

	// If the first entry has no =, treat it as the level for all
	// subsystems.
	globalLevel := levels[0]
	if !strings.Contains(globalLevel, "=") {
		if !validLogLevel(globalLevel) {
			return fmt.Errorf("invalid debug level: %v",
				globalLevel)
		}

		m.SetLogLevels(globalLevel)
		levels = levels[1:]
	}

	// The remaining entries each target one subsystem.
	for _, pair := range levels {
		fields := strings.Split(pair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("invalid subsystem/level pair: %v",
				pair)
		}

		subsystem, subLevel := fields[0], fields[1]
		if _, ok := m.SubLoggers()[subsystem]; !ok {
			return fmt.Errorf("unknown subsystem %v, supported "+
				"subsystems are %v", subsystem,
				m.SupportedSubsystems())
		}
		if !validLogLevel(subLevel) {
			return fmt.Errorf("invalid debug level: %v", subLevel)
		}

		m.SetLogLevel(subsystem, subLevel)
	}

	return nil
}

// validLogLevel returns whether logLevel names a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical", "off":
		return true
	}

	return false
}
