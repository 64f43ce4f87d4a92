package version

// Populated at build time via -ldflags. Defaults are used for plain `go build`.
var (
	Version = "dev"
	Commit  = "unknown"
)
