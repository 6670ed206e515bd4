package collect

import (
	"bufio"
	"bytes"
	"strings"
)

// Requirement is one third-party package request.
type Requirement struct {
	// Name is the normalized distribution name.
	Name string
	// Line is the requirement as written, without comments.
	Line string
}

// NormalizeName lowercases a distribution name and folds '-' and '.' to '_'.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("-", "_", ".", "_").Replace(name)
}

// ParseRequirements extracts package requests from requirements-file
// content. Option lines (-r, -e, --index-url, ...) and bare URLs are
// skipped; extras, environment markers and version specifiers are stripped
// from the name.
func ParseRequirements(data []byte) []Requirement {
	var out []Requirement
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}
		name := requirementName(line)
		if name == "" {
			continue
		}
		out = append(out, Requirement{Name: NormalizeName(name), Line: line})
	}
	return out
}

func requirementName(line string) string {
	// "name @ https://..." direct references keep their name.
	if before, _, ok := strings.Cut(line, "@"); ok && !strings.Contains(before, "://") {
		line = before
	} else if strings.Contains(line, "://") {
		return ""
	}
	if before, _, ok := strings.Cut(line, ";"); ok {
		line = before
	}
	end := 0
	for end < len(line) {
		c := line[end]
		if c == '-' || c == '_' || c == '.' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			end++
			continue
		}
		break
	}
	return line[:end]
}

// MergeRequirements combines explicit package names with parsed
// requirements, deduplicating by normalized name. Explicit entries win.
func MergeRequirements(packages []string, parsed []Requirement) []Requirement {
	seen := make(map[string]bool)
	var out []Requirement
	add := func(r Requirement) {
		if r.Name == "" || seen[r.Name] {
			return
		}
		seen[r.Name] = true
		out = append(out, r)
	}
	for _, p := range packages {
		name := requirementName(strings.TrimSpace(p))
		add(Requirement{Name: NormalizeName(name), Line: strings.TrimSpace(p)})
	}
	for _, r := range parsed {
		add(r)
	}
	return out
}
