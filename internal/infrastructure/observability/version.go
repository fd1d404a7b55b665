package observability

// Build identity stamped via -ldflags at release time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = ""
)
