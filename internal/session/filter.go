package session

import "path/filepath"

// PathFilter decides which notebooks may be tracked. The zero value allows
// everything.
type PathFilter struct {
	AllowedPaths []string
	BlockedPaths []string
}

// IsAllowed reports whether a notebook at path may be tracked. When
// AllowedPaths is non-empty the path must match at least one pattern; it
// must then not match any BlockedPaths pattern. A nil filter allows all.
func (f *PathFilter) IsAllowed(path string) bool {
	if f == nil || path == "" {
		return true
	}

	if len(f.AllowedPaths) > 0 {
		allowed := false
		for _, pattern := range f.AllowedPaths {
			if matchPathOrParent(pattern, path) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	for _, pattern := range f.BlockedPaths {
		if matchPathOrParent(pattern, path) {
			return false
		}
	}

	return true
}

// IsNoop reports whether the filter allows every path.
func (f *PathFilter) IsNoop() bool {
	return f == nil || (len(f.AllowedPaths) == 0 && len(f.BlockedPaths) == 0)
}

// matchPathOrParent checks if pattern matches path or any of its parent
// directories, so "work/*" also matches "work/project/analysis.ipynb".
func matchPathOrParent(pattern, path string) bool {
	for p := path; p != "." && p != "" && p != filepath.Dir(p); p = filepath.Dir(p) {
		if matched, _ := filepath.Match(pattern, p); matched {
			return true
		}
	}
	return false
}
