package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu      sync.RWMutex
	base    = zap.NewNop()
	sugar   = base.Sugar()
	logFile *os.File
)

// Init initializes the loggers and creates/opens the log file. Entries are
// written as JSON to the file and in console format to stderr.
func Init(logFilePath string) error {
	mu.Lock()
	defer mu.Unlock()
	return open(logFilePath)
}

func open(logFilePath string) error {
	f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(f), zap.DebugLevel),
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(os.Stderr), zap.InfoLevel),
	)

	if logFile != nil {
		_ = base.Sync()
		logFile.Close()
	}
	logFile = f
	base = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	sugar = base.Sugar()
	return nil
}

// RotateLog clears the current log file or creates a new one to start fresh
func RotateLog(logFilePath string) error {
	mu.Lock()
	defer mu.Unlock()
	return open(logFilePath)
}

// Cleanup flushes and closes the log file when the application is done using it
func Cleanup() {
	mu.Lock()
	defer mu.Unlock()
	_ = base.Sync()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	base = zap.NewNop()
	sugar = base.Sugar()
}

// Zap returns the structured logger for packages that take a *zap.Logger.
func Zap() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.WithOptions(zap.AddCallerSkip(-1))
}

// Info logs an informational message with alternating key/value pairs.
func Info(msg string, keysAndValues ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	sugar.Infow(msg, keysAndValues...)
}

// Warn logs a recoverable problem.
func Warn(msg string, keysAndValues ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	sugar.Warnw(msg, keysAndValues...)
}

// Error logs an error message with alternating key/value pairs.
func Error(msg string, keysAndValues ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	sugar.Errorw(msg, keysAndValues...)
}

// Debug goes to the log file only.
func Debug(msg string, keysAndValues ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	sugar.Debugw(msg, keysAndValues...)
}
