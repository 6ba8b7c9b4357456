package build

const (
	// Version is the current version of coordd.
	Version = "0.3.1"
)

// GitRevision and BuildTime get assigned via the Makefile when built.
var (
	// GitRevision is the git commit hash used when built
	GitRevision string
	// BuildTime is the date and time the build was completed
	BuildTime string
)
