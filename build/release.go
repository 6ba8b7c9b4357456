package build

const (
	// Release defines the set of constants to use during compilation. Legal
	// values are "standard", "dev", and "testing".
	Release = "standard"

	// DEBUG enables sanity checks that are too expensive, or too panicky, for
	// production binaries.
	DEBUG = false
)
