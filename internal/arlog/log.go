// Package arlog is a thin leveled-logging shim over logrus, giving every
// package in this module the same Debugf(obj, format, args...) call shape.
package arlog

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Logger is the package-wide logrus instance. Callers that need custom
// output (tests, cmd/arsync) may replace it wholesale.
var Logger = logrus.New()

func fields(obj any) logrus.Fields {
	if obj == nil {
		return logrus.Fields{}
	}
	return logrus.Fields{"obj": fmt.Sprint(obj)}
}

// Debugf logs a debug-level message about obj. obj is typically a path,
// DirectoryHandle, or CopyJob; pass nil for messages with no associated
// object.
func Debugf(obj any, format string, args ...any) {
	Logger.WithFields(fields(obj)).Debugf(format, args...)
}

// Infof logs an info-level message about obj.
func Infof(obj any, format string, args ...any) {
	Logger.WithFields(fields(obj)).Infof(format, args...)
}

// Errorf logs an error-level message about obj. It does not itself record
// the error in SharedStats; callers must still call stats.Error.
func Errorf(obj any, format string, args ...any) {
	Logger.WithFields(fields(obj)).Errorf(format, args...)
}

// Warnf logs a warn-level message about obj, used for the "downgraded to
// warning" cases in (e.g. EPERM on ownership when uid already
// matches).
func Warnf(obj any, format string, args ...any) {
	Logger.WithFields(fields(obj)).Warnf(format, args...)
}
