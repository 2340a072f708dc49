// logging_zerolog.go: zerolog adapter for the pluggable Logger interface
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"

	"github.com/rs/zerolog"
)

// ZerologAdapter adapts a zerolog.Logger to the Logger interface.
//
// Key-value pairs are written as structured fields. A dangling key without a
// value is logged under the "!BADKEY" field so nothing is silently dropped.
type ZerologAdapter struct {
	logger zerolog.Logger
}

// NewZerologAdapter wraps the given zerolog logger.
func NewZerologAdapter(logger zerolog.Logger) *ZerologAdapter {
	return &ZerologAdapter{logger: logger}
}

// Debug implements Logger interface
func (z *ZerologAdapter) Debug(msg string, args ...any) {
	z.write(z.logger.Debug(), msg, args)
}

// Info implements Logger interface
func (z *ZerologAdapter) Info(msg string, args ...any) {
	z.write(z.logger.Info(), msg, args)
}

// Warn implements Logger interface
func (z *ZerologAdapter) Warn(msg string, args ...any) {
	z.write(z.logger.Warn(), msg, args)
}

// Error implements Logger interface
func (z *ZerologAdapter) Error(msg string, args ...any) {
	z.write(z.logger.Error(), msg, args)
}

// With implements Logger interface
func (z *ZerologAdapter) With(args ...any) Logger {
	return &ZerologAdapter{logger: z.logger.With().Fields(kvFields(args)).Logger()}
}

func (z *ZerologAdapter) write(ev *zerolog.Event, msg string, args []any) {
	if ev == nil {
		return
	}
	ev.Fields(kvFields(args)).Msg(msg)
}

// kvFields converts alternating key-value arguments into a field map.
func kvFields(args []any) map[string]any {
	fields := make(map[string]any, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if i+1 >= len(args) {
			fields["!BADKEY"] = key
			break
		}
		value := args[i+1]
		if err, isErr := value.(error); isErr && err != nil {
			value = err.Error()
		}
		fields[key] = value
	}
	return fields
}
