package version

import (
	"fmt"
	"runtime"
	"time"
)

// Set at build time via -ldflags "-X .../internal/version.Version=..."
var (
	Version   = "dev"
	BuildTime = "unknown"
	CommitID  = "unknown"
)

func formatBuildTime(raw string) string {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return raw
	}
	return t.UTC().Format("2006-01-02 15:04:05 MST")
}

// Info returns build information as ordered key/value rows.
func Info() []map[string]interface{} {
	return []map[string]interface{}{
		{"key": "Version", "value": Version},
		{"key": "Commit", "value": CommitID},
		{"key": "Built", "value": formatBuildTime(BuildTime)},
		{"key": "Go", "value": runtime.Version()},
		{"key": "Platform", "value": runtime.GOOS + "/" + runtime.GOARCH},
	}
}

// Short is the one-line form printed by --version.
func Short() string {
	return fmt.Sprintf("gcapture %s (%s)", Version, CommitID)
}
