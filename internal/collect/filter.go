package collect

import (
	"path"
	"strings"
)

// DefaultExcludes are always applied on top of user patterns.
var DefaultExcludes = []string{"__pycache__", ".git", ".venv"}

var sourceExtensions = map[string]bool{
	".py":  true,
	".pyw": true,
	".pyi": true,
}

var extensionModuleExtensions = map[string]bool{
	".pyd": true,
	".so":  true,
}

// IsBackendFile reports whether name is a source file or a compiled
// extension module.
func IsBackendFile(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	return sourceExtensions[ext] || extensionModuleExtensions[ext]
}

// IsExtensionModule reports whether name is a compiled extension module.
func IsExtensionModule(name string) bool {
	return extensionModuleExtensions[strings.ToLower(path.Ext(name))]
}

// Filter decides which relative paths are excluded from collection.
type Filter struct {
	patterns []string
}

// NewFilter builds a filter from user patterns plus DefaultExcludes.
func NewFilter(patterns []string) *Filter {
	all := make([]string, 0, len(patterns)+len(DefaultExcludes))
	all = append(all, DefaultExcludes...)
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			all = append(all, p)
		}
	}
	return &Filter{patterns: all}
}

// Excluded reports whether the slash-separated relative path matches any
// pattern. Plain patterns match as substrings. Patterns with wildcards are
// matched against the whole path, the base name and every segment.
func (f *Filter) Excluded(rel string) bool {
	rel = strings.TrimPrefix(path.Clean(rel), "./")
	for _, p := range f.patterns {
		if !hasWildcard(p) {
			if strings.Contains(rel, p) {
				return true
			}
			continue
		}
		if ok, _ := path.Match(p, rel); ok {
			return true
		}
		for _, seg := range strings.Split(rel, "/") {
			if ok, _ := path.Match(p, seg); ok {
				return true
			}
		}
	}
	return false
}

func hasWildcard(p string) bool {
	return strings.ContainsAny(p, "*?[")
}
