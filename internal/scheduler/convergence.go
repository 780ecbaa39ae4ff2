package scheduler

import (
	"path"
	"sort"

	"github.com/noory-code/evonest/internal/core"
	"github.com/noory-code/evonest/internal/fsutil"
)

// AreaOf maps a touched file to its convergence-tracking directory: the
// file's immediate parent, slash-normalized. Files at the project root
// map to ".".
func AreaOf(projectRoot, file string) string {
	rel := fsutil.NormalizeRel(projectRoot, file)
	dir := path.Dir(rel)
	return dir
}

// RecordTouches increments area touch counts for a cycle's touched files
// and records whether the cycle committed cleanly, then refreshes the
// converged-area set. Each area is counted once per cycle.
func RecordTouches(progress *core.ProgressState, projectRoot string, files []string, committed bool) {
	areas := make(map[string]bool)
	for _, f := range files {
		areas[AreaOf(projectRoot, f)] = true
	}
	for dir := range areas {
		progress.AreaStatsFor(dir).RecordTouch(committed)
	}
	progress.RefreshConverged()
}

// ConvergenceWarnings renders the avoidance annotations for the next
// Observe prompt, one line per converged area, deterministically ordered.
func ConvergenceWarnings(progress *core.ProgressState) []string {
	dirs := append([]string(nil), progress.Converged...)
	sort.Strings(dirs)
	warnings := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		warnings = append(warnings,
			"Recent attempts in "+dir+" have not produced clean changes; avoid "+dir+" or try a different angle.")
	}
	return warnings
}
