package state

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/noory-code/evonest/internal/core"
	"github.com/noory-code/evonest/internal/fsutil"
)

const maxSlugLen = 64

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify converts model-produced text into a filesystem-safe slug:
// lowercase, non-alphanumeric runs collapsed to single dashes, trimmed,
// truncated to 64 characters.
func Slugify(s string) string {
	slug := strings.ToLower(s)
	slug = nonAlnum.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLen {
		slug = slug[:maxSlugLen]
		slug = strings.TrimRight(slug, "-")
	}
	if slug == "" {
		slug = "untitled"
	}
	return slug
}

// safeChild joins a slug-derived name under dir and asserts the resolved
// path stays inside dir. Any name that escapes is rejected, blocking
// traversal via model output.
func safeChild(dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	if !fsutil.PathWithin(dir, path) {
		return "", core.ErrState(core.CodeSlugEscape,
			"derived filename escapes its directory: "+name)
	}
	return path, nil
}
