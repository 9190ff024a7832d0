// Package log provides the key/value logger used across image-info.
//
// Calls take a message followed by alternating keys and values:
//
//	log.Debug("loop device attached", "device", dev.Path, "offset", offset)
package log

import (
	"fmt"

	clog "github.com/containerd/log"
)

// Setup configures the global logger. Verbose enables debug output.
func Setup(verbose bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	_ = clog.SetLevel(level)
	_ = clog.SetFormat(clog.TextFormat)
}

// Debug logs a debug message with key/value pairs
func Debug(msg string, kv ...any) {
	entry(kv).Debug(msg)
}

// Info logs an informational message with key/value pairs
func Info(msg string, kv ...any) {
	entry(kv).Info(msg)
}

// Warn logs a warning with key/value pairs
func Warn(msg string, kv ...any) {
	entry(kv).Warn(msg)
}

// Error logs an error with key/value pairs
func Error(msg string, kv ...any) {
	entry(kv).Error(msg)
}

func entry(kv []any) *clog.Entry {
	if len(kv) == 0 {
		return clog.L
	}
	return clog.L.WithFields(fields(kv))
}

// fields turns alternating key/value arguments into logger fields.
// A trailing key without value is recorded under "!BADKEY".
func fields(kv []any) clog.Fields {
	f := make(clog.Fields, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		if i+1 >= len(kv) {
			f["!BADKEY"] = kv[i]
			break
		}
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		f[key] = kv[i+1]
	}
	return f
}
