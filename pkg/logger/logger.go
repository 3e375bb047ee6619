package logger

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log output.
type Config struct {
	Level      string // debug, info, warn, error
	OutputFile string // optional; empty logs to stdout only
	MaxSizeMB  int    // rotate after this many megabytes
	MaxBackups int    // rotated files to keep
	MaxAgeDays int    // days to keep rotated files
	Compress   bool
}

var (
	log  = logrus.New()
	once sync.Once
)

// Init configures the process-wide logger. Safe to call once at startup;
// components use the package-level helpers afterwards.
func Init(cfg Config) {
	once.Do(func() {
		level, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			level = logrus.InfoLevel
		}
		log.SetLevel(level)
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})

		if cfg.OutputFile != "" {
			rotated := &lumberjack.Logger{
				Filename:   cfg.OutputFile,
				MaxSize:    defaultInt(cfg.MaxSizeMB, 100),
				MaxBackups: defaultInt(cfg.MaxBackups, 5),
				MaxAge:     defaultInt(cfg.MaxAgeDays, 14),
				Compress:   cfg.Compress,
			}
			log.SetOutput(io.MultiWriter(os.Stdout, rotated))
		}
	})
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// L returns the shared logger for callers that need the raw instance.
func L() *logrus.Logger { return log }

// WithField returns an entry carrying a structured field.
func WithField(key string, value any) *logrus.Entry { return log.WithField(key, value) }

// WithFields returns an entry carrying structured fields.
func WithFields(fields logrus.Fields) *logrus.Entry { return log.WithFields(fields) }

func Debugf(format string, args ...any) { log.Debugf(format, args...) }
func Infof(format string, args ...any)  { log.Infof(format, args...) }
func Warnf(format string, args ...any)  { log.Warnf(format, args...) }
func Errorf(format string, args ...any) { log.Errorf(format, args...) }

func Debug(args ...any) { log.Debug(args...) }
func Info(args ...any)  { log.Info(args...) }
func Warn(args ...any)  { log.Warn(args...) }
func Error(args ...any) { log.Error(args...) }
