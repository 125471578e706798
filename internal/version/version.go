package version

var (
	// Program is the name recorded in provenance records
	Program = "tomostitch"
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)
