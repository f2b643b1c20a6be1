package logging

import (
	"sync"
)

var (
	instance  *Logger
	once      sync.Once
	mu        sync.RWMutex
	logConfig *Config
)

// Configure sets the logging configuration.
// This should be called before any logger usage.
func Configure(config *Config) error {
	if err := config.Validate(); err != nil {
		return WrapError(err, "logging configuration rejected")
	}

	mu.Lock()
	defer mu.Unlock()
	logConfig = config
	return nil
}

// GetLogger returns the singleton logger instance.
// If no config was provided via Configure(), a default stdout-only
// configuration is used so library code never has to care.
func GetLogger() *Logger {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()

		if logConfig == nil {
			logConfig = &Config{
				Level:      LevelInfo,
				File:       "~/.ssmanager/ssmanager.log",
				MaxSize:    50,
				MaxBackups: 3,
				MaxAge:     7,
			}
		}

		var err error
		instance, err = NewLogger(logConfig)
		if err != nil {
			panic("failed to initialize logger: " + err.Error())
		}
	})

	return instance
}
