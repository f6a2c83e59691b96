// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tasklog

import "log/slog"

const (
	// DefaultBufferSize is the capacity of a regular task buffer (2MB).
	DefaultBufferSize = 2 * 1024 * 1024

	// DefaultMaxInMemoryBuffers bounds the sealed buffers kept in memory
	// before newer ones are spilled to disk.
	DefaultMaxInMemoryBuffers = 8
)

// Config holds task log configuration.
type Config struct {
	BufferSize         int
	MaxInMemoryBuffers int
	Logger             *slog.Logger
}

// DefaultConfig returns default task log configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:         DefaultBufferSize,
		MaxInMemoryBuffers: DefaultMaxInMemoryBuffers,
	}
}

// Option is a function that configures the log.
type Option func(*Config)

// WithBufferSize sets the regular buffer capacity in bytes.
func WithBufferSize(size int) Option {
	return func(c *Config) {
		c.BufferSize = size
	}
}

// WithMaxInMemoryBuffers sets how many sealed buffers stay resident.
// Zero spills every sealed buffer.
func WithMaxInMemoryBuffers(n int) Option {
	return func(c *Config) {
		c.MaxInMemoryBuffers = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// Apply applies options to a configuration.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}
