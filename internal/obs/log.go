package obs

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerMu sync.RWMutex
	logger   *zap.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *zap.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		logger = newJSONLogger(os.Getenv("SOUNDBOARD_LOG_LEVEL"))
	}
	return logger
}

// Named returns a child logger tagged with the component name.
func Named(component string) *zap.Logger {
	return Logger().With(zap.String("component", component))
}

// SetLogger replaces the process logger and returns a function restoring the previous one.
func SetLogger(l *zap.Logger) func() {
	loggerMu.Lock()
	prev := logger
	logger = l
	loggerMu.Unlock()
	return func() {
		loggerMu.Lock()
		logger = prev
		loggerMu.Unlock()
	}
}

// Configure rebuilds the process logger for the given level (debug, info, warn, error).
func Configure(level string) {
	l := newJSONLogger(level)
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

func newJSONLogger(level string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl := zapcore.InfoLevel
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil || level == "" {
		lvl = zapcore.InfoLevel
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(os.Stdout), lvl)
	return zap.New(core, zap.AddCaller())
}
