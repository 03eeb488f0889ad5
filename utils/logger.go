package utils

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFileOptions configures the rotating file behind NewLogger
type LogFileOptions struct {
	Output     string // stdout, file, both
	FilePath   string
	MaxSize    int // MB
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// NewLogger builds a log.Logger writing to stdout and/or a lumberjack-rotated file.
// The returned closer releases the file handle; it is a no-op for stdout-only loggers.
func NewLogger(prefix string, opts LogFileOptions) (*log.Logger, io.Closer) {
	flags := log.LstdFlags | log.Lmicroseconds | log.LUTC

	if opts.FilePath == "" || opts.Output == "stdout" || opts.Output == "" {
		return log.New(os.Stdout, prefix, flags), nopCloser{}
	}

	rotating := &lumberjack.Logger{
		Filename:   opts.FilePath,
		MaxSize:    opts.MaxSize,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAge,
		Compress:   opts.Compress,
	}

	var w io.Writer = rotating
	if opts.Output == "both" {
		w = io.MultiWriter(os.Stdout, rotating)
	}
	return log.New(w, prefix, flags), rotating
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
