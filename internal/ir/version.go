package ir

// Version constants for the manifest schema and the runner.
const (
	// ManifestVersion is the manifest schema version.
	ManifestVersion = "1"

	// RunnerVersion is the repro runner version.
	RunnerVersion = "0.1.0"
)
