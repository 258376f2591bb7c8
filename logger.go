// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rnet

import (
	"fmt"
	"log"

	"github.com/go-logr/logr"
)

// Logger is the narrow logging surface the host and its peers use for
// diagnostic output (connect/disconnect transitions, dropped datagrams,
// protocol violations). It mirrors go-logr's Logger shape so any logr
// sink -- zapr, logrusr, stdr -- plugs straight in, the same role the
// teacher's DumbLogger interface plays.
type Logger interface {
	Infof(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// stdLogger is the zero-value Logger, printing via the standard log
// package. It matches the teacher's DumbLogger for shape and behavior.
type stdLogger struct{}

func (stdLogger) Infof(format string, args ...interface{})  { log.Printf("INFO: "+format, args...) }
func (stdLogger) Debugf(format string, args ...interface{}) { log.Printf("DEBUG: "+format, args...) }
func (stdLogger) Errorf(format string, args ...interface{}) { log.Printf("ERROR: "+format, args...) }

// DefaultLogger is used by NewHost when no Logger option is supplied.
var DefaultLogger Logger = stdLogger{}

// logrAdapter wraps a logr.Logger (e.g. one built from zapr.NewLogger) to
// satisfy the Logger interface, so callers can plug in structured
// zap-backed logging without the host needing to know about zap itself.
type logrAdapter struct {
	l logr.Logger
}

// NewLogrLogger adapts l (typically zapr.NewLogger(zapLogger)) into a
// Logger for use with WithLogger.
func NewLogrLogger(l logr.Logger) Logger {
	return &logrAdapter{l: l}
}

func (a *logrAdapter) Infof(format string, args ...interface{}) {
	a.l.Info(sprintf(format, args...))
}

func (a *logrAdapter) Debugf(format string, args ...interface{}) {
	a.l.V(1).Info(sprintf(format, args...))
}

func (a *logrAdapter) Errorf(format string, args ...interface{}) {
	a.l.Error(nil, sprintf(format, args...))
}

func sprintf(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
