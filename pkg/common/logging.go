package common

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/tierctl/tierctl/pkg/config"
)

// LogFormat represents a supported logging format
type LogFormat string

// Available log formats
const (
	LogFormatPlain LogFormat = "plain"
	LogFormatJSON  LogFormat = "json"
)

var (
	logger = logrus.New()
	// ValidLogFormats contains all supported logging formats
	ValidLogFormats = []LogFormat{LogFormatPlain, LogFormatJSON}
)

func init() {
	defaultLoggingCfg := config.LoggingConfig{
		Format:     string(LogFormatPlain),
		Timestamps: true,
	}
	if err := SetLogFormat(defaultLoggingCfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set default log format: %v\n", err)
	}
	logger.SetOutput(os.Stdout)
	logger.SetLevel(logrus.InfoLevel)
}

// IsValidLogFormat checks if the given format is supported
func IsValidLogFormat(format string) bool {
	for _, validFormat := range ValidLogFormats {
		if string(validFormat) == format {
			return true
		}
	}
	return false
}

// SetLogFormat sets the log formatter based on the logging configuration
func SetLogFormat(loggingCfg config.LoggingConfig) error {
	if !IsValidLogFormat(loggingCfg.Format) {
		return fmt.Errorf("invalid log format %q. Valid formats are: %v", loggingCfg.Format, ValidLogFormats)
	}

	timestampFormat := ""
	if loggingCfg.Timestamps {
		timestampFormat = "2006-01-02 15:04:05"
	}

	switch LogFormat(loggingCfg.Format) {
	case LogFormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:  timestampFormat,
			DisableTimestamp: !loggingCfg.Timestamps,
		})
	case LogFormatPlain:
		logger.SetFormatter(&logrus.TextFormatter{
			DisableColors:    false,
			TimestampFormat:  timestampFormat,
			FullTimestamp:    loggingCfg.Timestamps,
			DisableTimestamp: !loggingCfg.Timestamps,
		})
	}
	return nil
}

// SetLogLevel sets the logging level
func SetLogLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", level)
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
}

// SetLogFile sets the output file for logging
func SetLogFile(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	logger.SetOutput(file)
	return nil
}

var runID = &runIDHook{}

// SetRunID sets a run ID field that will be included in all subsequent log entries
func SetRunID(id string) {
	if runID.id == "" {
		logger.AddHook(runID)
	}
	runID.id = id
}

// runIDHook adds the run ID to all log entries
type runIDHook struct {
	id string
}

func (h *runIDHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *runIDHook) Fire(entry *logrus.Entry) error {
	entry.Data["run_id"] = h.id
	return nil
}

// LogDebug logs a debug message
func LogDebug(msg string, fields map[string]interface{}) {
	logger.WithFields(fields).Debug(msg)
}

// LogInfo logs an info message
func LogInfo(msg string, fields map[string]interface{}) {
	logger.WithFields(fields).Info(msg)
}

// LogWarn logs a warning message
func LogWarn(msg string, fields map[string]interface{}) {
	logger.WithFields(fields).Warn(msg)
}

// LogError logs an error message
func LogError(msg string, fields map[string]interface{}) {
	logger.WithFields(fields).Error(msg)
}

// DebugOutput logs a debug message using fmt.Sprintf style formatting.
func DebugOutput(format string, args ...interface{}) {
	logger.Debugf(format, args...)
}
