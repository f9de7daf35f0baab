package health

import (
	"fmt"
	"os"
	"runtime"
	"time"
)

type BuildInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime time.Time `json:"build_time"`
	GoVersion string    `json:"go_version"`
	OS        string    `json:"os"`
	Arch      string    `json:"arch"`
}

func GetBuildInfo() string {
	buildInfo := &BuildInfo{
		Version:   getEnvOrDefault("BUILD_VERSION", "dev"),
		GitCommit: getEnvOrDefault("BUILD_COMMIT", "unknown"),
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}

	if buildTimeStr := os.Getenv("BUILD_TIME"); buildTimeStr != "" {
		if buildTime, err := time.Parse(time.RFC3339, buildTimeStr); err == nil {
			buildInfo.BuildTime = buildTime
		}
	}

	commit := buildInfo.GitCommit
	if len(commit) > 7 {
		commit = commit[:7]
	}

	return fmt.Sprintf("%s-%s (%s)", buildInfo.Version, commit, buildInfo.BuildTime.Format("2006-01-02"))
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
