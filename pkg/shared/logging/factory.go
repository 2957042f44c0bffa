package logging

import (
	"io"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileRotationConfig contains file logging rotation settings
type FileRotationConfig struct {
	Path       string // Log file path (required)
	MaxSizeMB  int    // default: 100
	MaxBackups int    // default: 3
	MaxAge     int    // days, default: 28
	Compress   bool
}

// NewLoggerWithFile creates a logger that writes to both stdout and a rotated file.
// Colors are disabled when a file is attached so that no escape codes end up on disk.
func NewLoggerWithFile(module string, level Level, useColors bool, fileConfig *FileRotationConfig) (*SimpleLogger, error) {
	if fileConfig == nil || fileConfig.Path == "" {
		return NewSimpleLogger(module, level, useColors), nil
	}

	rotator := &lumberjack.Logger{
		Filename:   fileConfig.Path,
		MaxSize:    orDefault(fileConfig.MaxSizeMB, 100),
		MaxBackups: orDefault(fileConfig.MaxBackups, 3),
		MaxAge:     orDefault(fileConfig.MaxAge, 28),
		Compress:   fileConfig.Compress,
	}

	return NewSimpleLoggerWithWriter(module, level, false, io.MultiWriter(os.Stdout, rotator)), nil
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
