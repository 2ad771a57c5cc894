package model

import (
	"github.com/apex/log"
)

// Config contains options to initialize the brume client.
type Config struct {
	// options contains the client options.
	options *Options

	// logger will be used to log events.
	logger Logger
}

// NewConfig returns a Config ready to initialize a client.
func NewConfig(options ...Option) *Config {
	cfg := &Config{
		options: &Options{},
		logger:  log.Log,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// Option is an option you can pass to initialize the client.
type Option func(config *Config)

// WithLogger configures the passed [Logger].
func WithLogger(logger Logger) Option {
	return func(config *Config) {
		config.logger = logger
	}
}

// WithOptions configures the passed client [Options].
func WithOptions(options *Options) Option {
	return func(config *Config) {
		config.options = options
	}
}

// Logger returns the configured logger.
func (c *Config) Logger() Logger {
	return c.logger
}

// Options returns the configured client options.
func (c *Config) Options() *Options {
	return c.options
}
