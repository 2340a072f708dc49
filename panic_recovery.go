// panic_recovery.go: Panic recovery utilities with stack trace support
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"runtime"
)

// RecoveryHandler defines the signature for panic recovery handlers.
type RecoveryHandler func(recovered interface{}, stack []byte)

// withStackRecover returns a panic recovery function that logs panic details
// including the full stack trace.
//
// Example usage:
//
//	go func() {
//	    defer withStackRecover(logger)()
//	    // potentially panicking code
//	}()
func withStackRecover(logger Logger, args ...any) func() {
	return func() {
		if r := recover(); r != nil {
			fields := append([]any{"panic", r, "stack", captureStack()}, args...)
			logger.Error("Panic recovered", fields...)
		}
	}
}

// callRecovered runs fn and reports whether it completed without panicking.
// A recovered panic is passed to handler.
func callRecovered(handler RecoveryHandler, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			if handler != nil {
				handler(r, []byte(captureStack()))
			}
		}
	}()
	fn()
	return true
}

// SafeGo runs fn in a new goroutine and logs any panic with its stack.
func SafeGo(logger Logger, fn func()) {
	go func() {
		defer withStackRecover(logger)()
		fn()
	}()
}

// SafeGoWithHandler runs fn in a new goroutine and hands any panic to handler.
func SafeGoWithHandler(handler RecoveryHandler, fn func()) {
	go callRecovered(handler, fn)
}

func captureStack() string {
	buf := make([]byte, 64<<10)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
