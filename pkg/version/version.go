package version

import "fmt"

// Injected at build time via -ldflags "-X chatrelay/pkg/version.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info represents version information for a service
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
}

// GetInfo returns version information as a struct
func GetInfo() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
	}
}

// String renders "version (commit, built date)" for startup logs.
func (i Info) String() string {
	return fmt.Sprintf("%s (%s, built %s)", i.Version, shortCommit(i.GitCommit), i.BuildDate)
}

// GetShortCommit returns the short git commit hash (first 7 characters)
func GetShortCommit() string {
	return shortCommit(GitCommit)
}

func shortCommit(commit string) string {
	if len(commit) >= 7 {
		return commit[:7]
	}
	return commit
}
