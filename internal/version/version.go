package version

// Name of the application
const Name = "perimeter"

// Set at build time via -ldflags "-X".
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Info is the build metadata reported by the health endpoint and the CLI.
type Info struct {
	Name      string `json:"service"`
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
}

func Get() Info {
	return Info{Name: Name, Version: Version, GitCommit: GitCommit, BuildTime: BuildTime}
}

// Full returns the complete version string.
func Full() string {
	if BuildTime != "unknown" && GitCommit != "unknown" {
		return Version + " (commit: " + GitCommit + ", built: " + BuildTime + ")"
	}
	return Version
}
