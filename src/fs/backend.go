package fs

// A GlobQuery describes one glob request as given to a watcher backend.
type GlobQuery struct {
	// WatchRoot is the root directory the watcher has been told to watch.
	WatchRoot string
	// ProjectPrefix is the project's path relative to the watch root, or
	// empty when the project is the watch root.
	ProjectPrefix string
	// BasePath is the package path the glob runs in, relative to the project.
	BasePath string
	// Includes and Excludes are the glob patterns.
	Includes, Excludes []string
	// IncludeDotfiles includes files with dot-prefixed components.
	IncludeDotfiles bool
}

// A Backend is an external oracle that can answer glob queries faster than
// walking the filesystem, typically by consulting a file watcher.
// Implementations return the matching package-relative file names.
// A nil slice with a nil error means the backend has no answer and the
// caller should fall back to the filesystem walker.
type Backend interface {
	Glob(query GlobQuery) ([]string, error)
}
