package domain

import (
	"path"
	"strings"
)

// EntryPoint is a parsed backend entry point. Exactly one of Script or
// Module is set.
type EntryPoint struct {
	// Script is a slash-separated file path ending in .py.
	Script string
	// Module is a dotted module name.
	Module string
	// Func is the callable to invoke inside Module, if any.
	Func string
}

// ParseEntryPoint accepts "path/to/file.py", "pkg.module" and
// "pkg.module:func".
func ParseEntryPoint(s string) (EntryPoint, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return EntryPoint{}, false
	}
	if strings.HasSuffix(s, ".py") || strings.HasSuffix(s, ".pyw") {
		return EntryPoint{Script: strings.ReplaceAll(s, "\\", "/")}, true
	}
	mod, fn, hasFunc := strings.Cut(s, ":")
	if mod == "" || (hasFunc && !isIdentifier(fn)) {
		return EntryPoint{}, false
	}
	for _, part := range strings.Split(mod, ".") {
		if !isIdentifier(part) {
			return EntryPoint{}, false
		}
	}
	return EntryPoint{Module: mod, Func: fn}, true
}

// ModuleName returns the dotted module for the entry point. Scripts map
// onto their path without the extension.
func (e EntryPoint) ModuleName() string {
	if e.Module != "" {
		return e.Module
	}
	trimmed := strings.TrimSuffix(strings.TrimSuffix(e.Script, ".pyw"), ".py")
	return strings.ReplaceAll(path.Clean(trimmed), "/", ".")
}

// String renders the entry point in its input form.
func (e EntryPoint) String() string {
	switch {
	case e.Script != "":
		return e.Script
	case e.Func != "":
		return e.Module + ":" + e.Func
	default:
		return e.Module
	}
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
