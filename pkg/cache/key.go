package cache

import (
	"strings"
)

// CacheKey identifies a cached value of one application. Path is a
// dot-separated path such as "schemas" or "clients.abc123.features".
type CacheKey struct {
	// App scopes the key to one application (usually its URL host)
	App string

	// Path is the dot-separated path of the value
	Path string
}

// String generates the Redis key.
// Format: capture:app:path
//
// Example:
//
//	capture:myapp.janraincapture.com:clients.abc123.features
func (k CacheKey) String() string {
	parts := []string{"capture"}

	if app := strings.TrimSpace(k.App); app != "" {
		parts = append(parts, app)
	}

	if path := normalizePath(k.Path); path != "" {
		parts = append(parts, path)
	}

	return strings.Join(parts, ":")
}

// Child returns the key of a sub path.
func (k CacheKey) Child(name string) CacheKey {
	path := normalizePath(k.Path)
	if path == "" {
		return CacheKey{App: k.App, Path: normalizePath(name)}
	}
	return CacheKey{App: k.App, Path: path + "." + normalizePath(name)}
}

// childPattern matches the Redis keys of every value below k.
func (k CacheKey) childPattern() string {
	if normalizePath(k.Path) == "" {
		return k.String() + ":*"
	}
	return k.String() + ".*"
}

// normalizePath drops empty segments, so "a..b." becomes "a.b".
func normalizePath(path string) string {
	segments := strings.Split(path, ".")
	kept := segments[:0]
	for _, s := range segments {
		if s = strings.TrimSpace(s); s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, ".")
}
