package state

import (
	"path"
	"strings"

	"github.com/noory-code/evonest/internal/fsutil"
)

// Identity is the human-authored project charter parsed from identity.md.
// The engine never rewrites it except through the explicit identity flow.
type Identity struct {
	// Raw is the full markdown text, fed verbatim into prompts.
	Raw string
	// Mission is the body of the "Mission" section, used for scout
	// keyword extraction.
	Mission string
	// Boundaries are path patterns the engine must not modify.
	Boundaries []string
}

// ParseIdentity extracts the structured bits the engine needs from the
// markdown document. Parsing is intentionally loose: section headers are
// matched case-insensitively and unknown sections are ignored.
func ParseIdentity(text string) *Identity {
	id := &Identity{Raw: text}

	var section string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			section = strings.ToLower(strings.TrimSpace(strings.TrimLeft(trimmed, "#")))
			continue
		}
		switch {
		case strings.HasPrefix(section, "mission"):
			if trimmed != "" {
				if id.Mission != "" {
					id.Mission += " "
				}
				id.Mission += trimmed
			}
		case strings.HasPrefix(section, "boundar"):
			if strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "*") {
				pattern := strings.TrimSpace(strings.TrimLeft(trimmed, "-* "))
				pattern = strings.Trim(pattern, "`")
				if pattern != "" {
					id.Boundaries = append(id.Boundaries, pattern)
				}
			}
		}
	}
	return id
}

// MatchesBoundary reports whether a project-relative path falls under any
// boundary pattern. Patterns are interpreted as path prefixes and simple
// globs (*, ?, character classes); matching runs against the normalized
// slash-separated relative path.
func (id *Identity) MatchesBoundary(root, file string) (bool, string) {
	rel := fsutil.NormalizeRel(root, file)
	for _, pattern := range id.Boundaries {
		p := strings.TrimSuffix(path.Clean(strings.TrimSpace(pattern)), "/")
		if p == "" || p == "." {
			continue
		}
		// Prefix match: pattern names the path or a parent directory.
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true, pattern
		}
		// Glob match against the whole relative path.
		if ok, err := path.Match(p, rel); err == nil && ok {
			return true, pattern
		}
		// Glob match applied per leading segment so "vendor/*" style
		// patterns cover deeper descendants too.
		segs := strings.Split(rel, "/")
		for i := 1; i <= len(segs); i++ {
			if ok, err := path.Match(p, strings.Join(segs[:i], "/")); err == nil && ok {
				return true, pattern
			}
		}
	}
	return false, ""
}
