package orchestrator

import (
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/noory-code/evonest/internal/core"
	"github.com/noory-code/evonest/internal/phases"
	"github.com/noory-code/evonest/internal/scheduler"
	"github.com/noory-code/evonest/internal/state"
)

// nearDuplicateThreshold is the fuzzy score above which two normalized
// titles in the same area count as the same item.
const nearDuplicateThreshold = 80

// normalizeTitle flattens a title for dedup comparison.
func normalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

// itemArea maps a backlog item to its dedup area: the directory of its
// first file, or "" when it names no files.
func itemArea(projectRoot string, files []string) string {
	if len(files) == 0 {
		return ""
	}
	return scheduler.AreaOf(projectRoot, files[0])
}

// mergeImprovements folds observe output into the backlog, dropping
// entries whose normalized title duplicates (exactly or near-exactly) an
// existing item in the same area.
type titleKey struct {
	norm string
	area string
}

func mergeImprovements(backlog []core.BacklogItem, improvements []phases.ImprovementEnvelope,
	projectRoot string, cycle int) ([]core.BacklogItem, int) {

	known := make([]titleKey, 0, len(backlog))
	for _, item := range backlog {
		known = append(known, titleKey{
			norm: normalizeTitle(item.Title),
			area: itemArea(projectRoot, item.Files),
		})
	}

	added := 0
	for _, imp := range improvements {
		norm := normalizeTitle(imp.Title)
		area := itemArea(projectRoot, imp.Files)
		if isDuplicate(known, norm, area) {
			continue
		}
		item := core.BacklogItem{
			ID:           state.NewItemID(),
			Title:        strings.TrimSpace(imp.Title),
			Description:  strings.TrimSpace(imp.Description),
			Category:     parseCategory(imp.Category),
			Priority:     parsePriority(imp.Priority),
			Status:       core.BacklogPending,
			Files:        imp.Files,
			CreatedCycle: cycle,
		}
		backlog = append(backlog, item)
		known = append(known, titleKey{norm: norm, area: area})
		added++
	}
	return backlog, added
}

func isDuplicate(known []titleKey, norm, area string) bool {
	sameArea := make([]string, 0, len(known))
	for _, k := range known {
		if k.norm == norm && k.area == area {
			return true
		}
		if k.area == area {
			sameArea = append(sameArea, k.norm)
		}
	}
	// Near-duplicate titles within the area count too; observe phases
	// reword the same idea across cycles.
	for _, match := range fuzzy.Find(norm, sameArea) {
		if match.Score >= nearDuplicateThreshold {
			return true
		}
	}
	return false
}

func parseCategory(s string) core.BacklogCategory {
	switch core.BacklogCategory(strings.ToLower(strings.TrimSpace(s))) {
	case core.CategoryTestCoverage, core.CategoryBug, core.CategoryRefactor,
		core.CategoryProposal, core.CategoryEcosystem:
		return core.BacklogCategory(strings.ToLower(strings.TrimSpace(s)))
	default:
		return core.CategoryRefactor
	}
}

func parsePriority(s string) core.Priority {
	switch core.Priority(strings.ToLower(strings.TrimSpace(s))) {
	case core.PriorityHigh, core.PriorityMedium, core.PriorityLow:
		return core.Priority(strings.ToLower(strings.TrimSpace(s)))
	default:
		return core.PriorityMedium
	}
}

// pruneBacklog removes terminal items past the retention window.
func pruneBacklog(backlog []core.BacklogItem, currentCycle int) ([]core.BacklogItem, int) {
	kept := backlog[:0]
	pruned := 0
	for _, item := range backlog {
		if item.Prunable(currentCycle) {
			pruned++
			continue
		}
		kept = append(kept, item)
	}
	return kept, pruned
}

// findItem locates a backlog item by id.
func findItem(backlog []core.BacklogItem, id string) *core.BacklogItem {
	for i := range backlog {
		if backlog[i].ID == id {
			return &backlog[i]
		}
	}
	return nil
}
