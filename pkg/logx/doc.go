// Package logx wraps zerolog behind a small, swap-safe logging API.
//
// It supports console and file sinks, runtime level changes via
// Service.Apply, and derived loggers with fixed fields via Logger.With.
package logx
