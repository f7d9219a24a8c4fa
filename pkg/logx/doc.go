// Package logx is a thin structured-logging facade over zerolog.
//
// Services take a logx.Logger by value and derive scoped loggers with With().
// The zero value is a no-op logger, so optional logging never needs nil checks.
package logx
