package version

// Set at build time via -ldflags "-X github.com/chmdznr/violsync/pkg/version.Version=..."
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String returns a one-line build description
func String() string {
	return Version + " (" + GitCommit + ", built " + BuildTime + ")"
}
