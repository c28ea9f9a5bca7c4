package store

import (
	"regexp"
	"strings"
)

// Document paths are dotted label chains ("project.sub.notes"), with the
// empty string meaning the root. Labels are lowercase ascii so paths stay
// stable across renames of the display name.
var pathPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)*$`)

// ValidPath reports whether value is the root path or a well-formed dotted
// path.
func ValidPath(value string) bool {
	return value == "" || pathPattern.MatchString(value)
}

// NormalizePath trims whitespace and lowercases a client-supplied path.
func NormalizePath(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// PathLabel derives a path label from a display name. Characters outside
// [a-z0-9_] collapse to a single underscore, and the label always starts
// with a letter so the full path satisfies the path grammar.
func PathLabel(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	label := strings.Trim(b.String(), "_")
	if label == "" {
		label = "untitled"
	}
	if label[0] < 'a' || label[0] > 'z' {
		label = "f_" + label
	}
	return label
}

// ChildPath joins a normalized parent path and a label.
func ChildPath(parentPath, label string) string {
	if parentPath == "" {
		return label
	}
	return parentPath + "." + label
}

// ParentSegments returns every ancestor path of a normalized path, shortest
// first, excluding the path itself.
func ParentSegments(path string) []string {
	if path == "" {
		return nil
	}
	labels := strings.Split(path, ".")
	segments := make([]string, 0, len(labels)-1)
	for i := 1; i < len(labels); i++ {
		segments = append(segments, strings.Join(labels[:i], "."))
	}
	return segments
}

// LastLabel returns the final label of a path.
func LastLabel(path string) string {
	if idx := strings.LastIndex(path, "."); idx >= 0 {
		return path[idx+1:]
	}
	return path
}
