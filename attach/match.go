package attach

import (
	"path/filepath"
	"strings"
)

// MatchesExpected reports whether a name displayed by the composer refers
// to the expected file. Composers routinely mangle names: they strip or
// rewrite extensions, truncate long names with an ellipsis, and change
// case. The match is deliberately fuzzy in those directions only.
func MatchesExpected(shown, expected string) bool {
	s := strings.ToLower(strings.TrimSpace(shown))
	e := strings.ToLower(strings.TrimSpace(stripDirs(expected)))
	if s == "" || e == "" {
		return false
	}
	if s == e {
		return true
	}

	// Extension-insensitive: "report.pdf" shown as "report", or "report"
	// shown as "report.pdf" after the composer re-derives a type.
	sb := strings.TrimSuffix(s, filepath.Ext(s))
	eb := strings.TrimSuffix(e, filepath.Ext(e))
	if sb != "" && sb == eb {
		return true
	}

	// Truncated display: "very-long-filena…me.txt" keeps a head and a tail
	// of the real name around the marker.
	for _, marker := range []string{"…", "..."} {
		if head, tail, ok := strings.Cut(s, marker); ok {
			if head == "" && tail == "" {
				continue
			}
			if strings.HasPrefix(e, head) && strings.HasSuffix(e, tail) {
				return true
			}
		}
	}
	return false
}
