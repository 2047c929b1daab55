package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Default logger instance
	defaultLogger *zap.Logger

	// outputFile is the extra output the default logger writes to, if any
	outputFile string

	// level is shared by every logger built here so --debug can flip it after init
	level = zap.NewAtomicLevelAt(zap.InfoLevel)
)

// InitLogger initializes the default logger.
// LOG_LEVEL=debug enables debug output, LOG_FILE adds a file sink next to stdout.
func InitLogger() error {
	// Set log level based on environment
	if os.Getenv("LOG_LEVEL") == "debug" {
		level.SetLevel(zap.DebugLevel)
	} else {
		level.SetLevel(zap.InfoLevel)
	}
	return build(os.Getenv("LOG_FILE"))
}

// SetOutputFile rebuilds the default logger so it also writes to path.
// It is a no-op when the logger already writes there.
func SetOutputFile(path string) error {
	if path == "" || path == outputFile {
		return nil
	}
	return build(path)
}

// OutputFile returns the file the default logger writes to besides stdout
func OutputFile() string {
	return outputFile
}

func build(logFile string) error {
	config := zap.NewProductionConfig()
	config.Level = level

	// Configure output
	config.OutputPaths = []string{"stdout"}
	if logFile != "" {
		config.OutputPaths = append(config.OutputPaths, logFile)
	}
	config.ErrorOutputPaths = []string{"stderr"}

	config.InitialFields = map[string]any{"app": "havoc"}
	config.EncoderConfig = encoderConfig()

	logger, err := config.Build()
	if err != nil {
		return err
	}
	defaultLogger = logger
	outputFile = logFile

	// Replace global logger
	zap.ReplaceGlobals(defaultLogger)
	return nil
}

func encoderConfig() zapcore.EncoderConfig {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.MessageKey = "message"
	return enc
}

// SetLogger replaces the default logger, e.g. with an observer in tests
func SetLogger(l *zap.Logger) {
	defaultLogger = l
	outputFile = ""
}

// SetDebug switches the default logger between debug and info level.
func SetDebug(debug bool) {
	if debug {
		level.SetLevel(zap.DebugLevel)
		return
	}
	level.SetLevel(zap.InfoLevel)
}

// Logger returns the default logger instance
func Logger() *zap.Logger {
	if defaultLogger == nil {
		// Not initialized, e.g. in tests
		if err := build(""); err != nil {
			defaultLogger = zap.NewNop()
		}
	}
	return defaultLogger
}

// Sync flushes any buffered log entries
func Sync() error {
	if defaultLogger == nil {
		return nil
	}
	return defaultLogger.Sync()
}
