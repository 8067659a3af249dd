package logging

import (
	"io"
	"log"
	"os"
	"strings"

	jww "github.com/spf13/jwalterweatherman"
)

// Init sets the jww thresholds from a textual level ("trace", "debug",
// "info", "warn", "error"). When logPath is set, output goes to that file
// instead of stdout.
func Init(level, logPath string) error {
	if logPath != "" {
		jww.SetStdoutOutput(io.Discard)
		logOutput, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		jww.SetLogOutput(logOutput)
	}

	threshold := ParseLevel(level)
	jww.SetStdoutThreshold(threshold)
	jww.SetLogThreshold(threshold)
	if threshold <= jww.LevelDebug {
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}
	jww.INFO.Printf("log level set to: %s", threshold)
	return nil
}

// ParseLevel maps a config level name to a jww threshold, defaulting to info.
func ParseLevel(level string) jww.Threshold {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return jww.LevelTrace
	case "debug":
		return jww.LevelDebug
	case "warn", "warning":
		return jww.LevelWarn
	case "error":
		return jww.LevelError
	default:
		return jww.LevelInfo
	}
}
