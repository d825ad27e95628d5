// This package defines a common config struct which can be used by any subsystem within portmsg.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug               bool
	RootDir             string
	LoggingPrefix       string
	UpdateBufferSize    int
	EnrichmentTimeoutMs int64
	BacklogPollMs       int64
	BacklogBatchSize    int64
	PushListenAddr      string
	PortTTLMs           int64
	writer              io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else if c.LoggingPrefix == "" {
		p = source
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(de), zapcore.AddSync(os.Stdout), level),
	}
	if c.writer != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(de), zapcore.AddSync(c.writer), level))
	}
	return zap.New(zapcore.NewTee(cores...), opts...).Sugar()
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

// Size of the channel returned by the router's Updates. Events are dropped when it is full.
func WithUpdateBufferSize(n int) Option {
	return func(c *Config) {
		c.UpdateBufferSize = n
	}
}

func WithEnrichmentTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.EnrichmentTimeoutMs = n
	}
}

func WithBacklogPollMs(n int64) Option {
	return func(c *Config) {
		c.BacklogPollMs = n
	}
}

func WithBacklogBatchSize(n int64) Option {
	return func(c *Config) {
		c.BacklogBatchSize = n
	}
}

func WithPushListenAddr(addr string) Option {
	return func(c *Config) {
		c.PushListenAddr = addr
	}
}

func WithPortTTLMs(n int64) Option {
	return func(c *Config) {
		c.PortTTLMs = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:               os.Getenv("DEBUG") == "1",
		RootDir:             ".",
		LoggingPrefix:       "",
		UpdateBufferSize:    100,
		EnrichmentTimeoutMs: 15000,
		BacklogPollMs:       5000,
		BacklogBatchSize:    50,
		PushListenAddr:      "127.0.0.1:7750",
		PortTTLMs:           7 * 24 * 60 * 60 * 1000,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	c.writer = &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	return c
}
