// Package state owns the on-disk .evonest/ directory. Every path into it
// is resolved here; no other component constructs .evonest/ paths. All
// writes are atomic (temp file + rename).
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noory-code/evonest/internal/core"
	"github.com/noory-code/evonest/internal/fsutil"
	"github.com/noory-code/evonest/internal/logging"
)

// DirName is the engine-owned state directory inside a project.
const DirName = ".evonest"

// ProjectState is the sole gateway to a project's .evonest/ directory.
type ProjectState struct {
	root    string // project root
	dir     string // <root>/.evonest
	history HistoryStore
	logger  *logging.Logger
}

// Option configures a ProjectState.
type Option func(*ProjectState)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *ProjectState) { p.logger = l }
}

// WithHistoryStore overrides the history backend (default: per-cycle JSON
// files under history/).
func WithHistoryStore(h HistoryStore) Option {
	return func(p *ProjectState) { p.history = h }
}

// New creates a ProjectState rooted at the given project directory.
func New(projectRoot string, opts ...Option) (*ProjectState, error) {
	abs, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	p := &ProjectState{
		root:   abs,
		dir:    filepath.Join(abs, DirName),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.history == nil {
		p.history = NewJSONHistoryStore(filepath.Join(p.dir, "history"))
	}
	return p, nil
}

// Root returns the project root directory.
func (p *ProjectState) Root() string { return p.root }

// Dir returns the .evonest directory path.
func (p *ProjectState) Dir() string { return p.dir }

// Initialized reports whether the state directory exists.
func (p *ProjectState) Initialized() bool {
	info, err := os.Stat(p.dir)
	return err == nil && info.IsDir()
}

// Path accessors. Callers outside this package receive paths but never
// derive siblings from them.

func (p *ProjectState) LockPath() string        { return filepath.Join(p.dir, ".lock") }
func (p *ProjectState) ConfigPath() string      { return filepath.Join(p.dir, "config.json") }
func (p *ProjectState) IdentityPath() string    { return filepath.Join(p.dir, "identity.md") }
func (p *ProjectState) ProgressPath() string    { return filepath.Join(p.dir, "progress.json") }
func (p *ProjectState) BacklogPath() string     { return filepath.Join(p.dir, "backlog.json") }
func (p *ProjectState) AdvicePath() string      { return filepath.Join(p.dir, "advice.json") }
func (p *ProjectState) EnvironmentPath() string { return filepath.Join(p.dir, "environment.json") }
func (p *ProjectState) ScoutCachePath() string  { return filepath.Join(p.dir, "scout.json") }
func (p *ProjectState) DynamicPersonasPath() string {
	return filepath.Join(p.dir, "dynamic-personas.json")
}
func (p *ProjectState) DynamicAdversarialsPath() string {
	return filepath.Join(p.dir, "dynamic-adversarials.json")
}
func (p *ProjectState) ProposalsDir() string     { return filepath.Join(p.dir, "proposals") }
func (p *ProjectState) ProposalsDoneDir() string { return filepath.Join(p.dir, "proposals", "done") }
func (p *ProjectState) StimuliDir() string       { return filepath.Join(p.dir, "stimuli") }
func (p *ProjectState) StimuliProcessedDir() string {
	return filepath.Join(p.dir, "stimuli", ".processed")
}
func (p *ProjectState) DecisionsDir() string { return filepath.Join(p.dir, "decisions") }
func (p *ProjectState) HistoryDir() string   { return filepath.Join(p.dir, "history") }
func (p *ProjectState) CautiousResumePath() string {
	return filepath.Join(p.dir, ".cautious-resume")
}

// PhaseArtifactPath returns the path for the latest artifact of a phase
// (observe.txt, plan.txt, execute.txt). Artifacts are overwritten each
// cycle; history records keep the per-cycle trail.
func (p *ProjectState) PhaseArtifactPath(phase core.Phase) string {
	return filepath.Join(p.dir, string(phase)+".txt")
}

// readJSON unmarshals path into v. Missing files return os.ErrNotExist
// untouched so callers can decide whether absent means empty; any other
// read or parse failure is StateCorrupt.
func (p *ProjectState) readJSON(path string, v interface{}) error {
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		if os.IsNotExist(err) {
			return err
		}
		return core.ErrStateCorrupt(path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return core.ErrStateCorrupt(path, err)
	}
	return nil
}

// writeJSON atomically persists v as indented JSON.
func (p *ProjectState) writeJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	return atomicWriteFile(path, data, 0o600)
}

// ReadConfigRaw returns the raw bytes of config.json. Missing file
// returns os.ErrNotExist; the config package owns parsing.
func (p *ProjectState) ReadConfigRaw() ([]byte, error) {
	return fsutil.ReadFileScoped(p.ConfigPath())
}

// WriteConfigRaw atomically replaces config.json.
func (p *ProjectState) WriteConfigRaw(data []byte) error {
	if err := os.MkdirAll(p.dir, 0o750); err != nil {
		return err
	}
	return atomicWriteFile(p.ConfigPath(), data, 0o600)
}

// ReadIdentity loads and parses identity.md. Identity is required before
// every cycle; a missing file is an error, not an empty default.
func (p *ProjectState) ReadIdentity() (*Identity, error) {
	data, err := fsutil.ReadFileScoped(p.IdentityPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrState("IDENTITY_MISSING",
				"identity.md not found; run init first")
		}
		return nil, core.ErrStateCorrupt(p.IdentityPath(), err)
	}
	return ParseIdentity(string(data)), nil
}

// WriteIdentity atomically replaces identity.md.
func (p *ProjectState) WriteIdentity(text string) error {
	return atomicWriteFile(p.IdentityPath(), []byte(text), 0o600)
}

// ReadProgress loads progress.json; absent means a fresh zero state.
func (p *ProjectState) ReadProgress() (*core.ProgressState, error) {
	progress := core.NewProgressState()
	if err := p.readJSON(p.ProgressPath(), progress); err != nil {
		if os.IsNotExist(err) {
			return core.NewProgressState(), nil
		}
		return nil, err
	}
	progress.Normalize()
	return progress, nil
}

// WriteProgress persists progress.json.
func (p *ProjectState) WriteProgress(progress *core.ProgressState) error {
	progress.UpdatedAt = time.Now().UTC()
	return p.writeJSON(p.ProgressPath(), progress)
}

// LoadBacklog loads backlog.json; absent means empty.
func (p *ProjectState) LoadBacklog() ([]core.BacklogItem, error) {
	var items []core.BacklogItem
	if err := p.readJSON(p.BacklogPath(), &items); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return items, nil
}

// SaveBacklog persists backlog.json.
func (p *ProjectState) SaveBacklog(items []core.BacklogItem) error {
	return p.writeJSON(p.BacklogPath(), items)
}

// ReadAdvice loads the latest meta-observe advice; absent means none.
func (p *ProjectState) ReadAdvice() (*core.AdviceRecord, error) {
	var advice core.AdviceRecord
	if err := p.readJSON(p.AdvicePath(), &advice); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &advice, nil
}

// WriteAdvice persists advice.json.
func (p *ProjectState) WriteAdvice(advice *core.AdviceRecord) error {
	advice.CreatedAt = time.Now().UTC()
	return p.writeJSON(p.AdvicePath(), advice)
}

// Environment is the cached ecosystem scan observe phases reuse.
type Environment struct {
	FileCount      int       `json:"file_count"`
	Languages      []string  `json:"languages,omitempty"`
	Summary        string    `json:"summary,omitempty"`
	ScannedAtCycle int       `json:"scanned_at_cycle"`
	ScannedAt      time.Time `json:"scanned_at"`
}

// ReadEnvironment loads environment.json; absent means nil.
func (p *ProjectState) ReadEnvironment() (*Environment, error) {
	var env Environment
	if err := p.readJSON(p.EnvironmentPath(), &env); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &env, nil
}

// WriteEnvironment persists environment.json.
func (p *ProjectState) WriteEnvironment(env *Environment) error {
	env.ScannedAt = time.Now().UTC()
	return p.writeJSON(p.EnvironmentPath(), env)
}

// ReadScoutCache loads previously reported scout keys; absent means empty.
func (p *ProjectState) ReadScoutCache() ([]core.ScoutKey, error) {
	var keys []core.ScoutKey
	if err := p.readJSON(p.ScoutCachePath(), &keys); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return keys, nil
}

// UpdateScoutCache appends new keys and persists the cache.
func (p *ProjectState) UpdateScoutCache(newKeys []core.ScoutKey) error {
	keys, err := p.ReadScoutCache()
	if err != nil {
		return err
	}
	seen := make(map[core.ScoutKey]bool, len(keys))
	for _, k := range keys {
		seen[k] = true
	}
	for _, k := range newKeys {
		if !seen[k] {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	return p.writeJSON(p.ScoutCachePath(), keys)
}

// ReadDynamicPersonas loads project-local persona mutations; absent means
// empty.
func (p *ProjectState) ReadDynamicPersonas() ([]core.Mutation, error) {
	return p.readMutations(p.DynamicPersonasPath())
}

// WriteDynamicPersonas persists dynamic-personas.json.
func (p *ProjectState) WriteDynamicPersonas(muts []core.Mutation) error {
	return p.writeJSON(p.DynamicPersonasPath(), muts)
}

// ReadDynamicAdversarials loads project-local adversarial mutations;
// absent means empty.
func (p *ProjectState) ReadDynamicAdversarials() ([]core.Mutation, error) {
	return p.readMutations(p.DynamicAdversarialsPath())
}

// WriteDynamicAdversarials persists dynamic-adversarials.json.
func (p *ProjectState) WriteDynamicAdversarials(muts []core.Mutation) error {
	return p.writeJSON(p.DynamicAdversarialsPath(), muts)
}

func (p *ProjectState) readMutations(path string) ([]core.Mutation, error) {
	var muts []core.Mutation
	if err := p.readJSON(path, &muts); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return muts, nil
}

// CreateProposal writes a new proposal markdown file. The filename
// carries the next ordinal plus a timestamp plus a slug of the title.
func (p *ProjectState) CreateProposal(title, content string) (string, error) {
	if err := os.MkdirAll(p.ProposalsDir(), 0o750); err != nil {
		return "", err
	}
	ordinal, err := p.nextProposalOrdinal()
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%03d-%s-%s.md",
		ordinal, time.Now().UTC().Format("20060102T150405"), Slugify(title))
	path, err := safeChild(p.ProposalsDir(), name)
	if err != nil {
		return "", err
	}
	if err := atomicWriteFile(path, []byte(content), 0o600); err != nil {
		return "", err
	}
	p.logger.Info("proposal created", "file", name)
	return name, nil
}

func (p *ProjectState) nextProposalOrdinal() (int, error) {
	max := 0
	for _, dir := range []string{p.ProposalsDir(), p.ProposalsDoneDir()} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		for _, e := range entries {
			var n int
			if _, err := fmt.Sscanf(e.Name(), "%d-", &n); err == nil && n > max {
				max = n
			}
		}
	}
	return max + 1, nil
}

// ListProposals lists pending proposal files, oldest first.
func (p *ProjectState) ListProposals() ([]core.Proposal, error) {
	entries, err := os.ReadDir(p.ProposalsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var proposals []core.Proposal
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		proposals = append(proposals, core.Proposal{
			Filename:  e.Name(),
			Title:     proposalTitle(e.Name()),
			CreatedAt: info.ModTime(),
		})
	}
	sort.Slice(proposals, func(i, j int) bool {
		return proposals[i].Filename < proposals[j].Filename
	})
	return proposals, nil
}

func proposalTitle(filename string) string {
	name := strings.TrimSuffix(filename, ".md")
	parts := strings.SplitN(name, "-", 3)
	if len(parts) == 3 {
		return strings.ReplaceAll(parts[2], "-", " ")
	}
	return name
}

// ReadProposal returns a proposal's markdown body.
func (p *ProjectState) ReadProposal(filename string) (string, error) {
	path, err := safeChild(p.ProposalsDir(), filename)
	if err != nil {
		return "", err
	}
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// MarkProposalDone moves a consumed proposal to proposals/done/.
func (p *ProjectState) MarkProposalDone(filename string) error {
	src, err := safeChild(p.ProposalsDir(), filename)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p.ProposalsDoneDir(), 0o750); err != nil {
		return err
	}
	dst, err := safeChild(p.ProposalsDoneDir(), filename)
	if err != nil {
		return err
	}
	return os.Rename(src, dst)
}

// CreateStimulus drops a stimulus file (used by meta-observe auto-stimuli
// and the scout gate). The name is slugified before use.
func (p *ProjectState) CreateStimulus(name, content string) error {
	if err := os.MkdirAll(p.StimuliDir(), 0o750); err != nil {
		return err
	}
	path, err := safeChild(p.StimuliDir(), Slugify(name)+".md")
	if err != nil {
		return err
	}
	return atomicWriteFile(path, []byte(content), 0o600)
}

// ListStimuli lists pending stimulus filenames, sorted.
func (p *ProjectState) ListStimuli() ([]string, error) {
	return p.listMarkdown(p.StimuliDir())
}

// ReadStimulus returns a stimulus body.
func (p *ProjectState) ReadStimulus(name string) (string, error) {
	path, err := safeChild(p.StimuliDir(), name)
	if err != nil {
		return "", err
	}
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ConsumeStimulus moves a stimulus to the .processed/ sibling so it is
// applied to exactly one cycle.
func (p *ProjectState) ConsumeStimulus(name string) error {
	src, err := safeChild(p.StimuliDir(), name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p.StimuliProcessedDir(), 0o750); err != nil {
		return err
	}
	dst, err := safeChild(p.StimuliProcessedDir(), name)
	if err != nil {
		return err
	}
	return os.Rename(src, dst)
}

// ListDecisions lists pending decision filenames, sorted.
func (p *ProjectState) ListDecisions() ([]string, error) {
	return p.listMarkdown(p.DecisionsDir())
}

// ReadDecision returns a decision body.
func (p *ProjectState) ReadDecision(name string) (string, error) {
	path, err := safeChild(p.DecisionsDir(), name)
	if err != nil {
		return "", err
	}
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ConsumeDecision deletes a decision. Decisions are single-shot,
// strictly overriding guidance; deletion is the consumption.
func (p *ProjectState) ConsumeDecision(name string) error {
	path, err := safeChild(p.DecisionsDir(), name)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

func (p *ProjectState) listMarkdown(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// AppendHistory appends a cycle record to the history store.
func (p *ProjectState) AppendHistory(record *core.CycleRecord) error {
	return p.history.Append(record)
}

// ReadHistory returns up to limit most recent cycle records, newest last.
// limit <= 0 returns everything.
func (p *ProjectState) ReadHistory(limit int) ([]core.CycleRecord, error) {
	return p.history.Read(limit)
}

// LastCycleNumber returns the highest recorded cycle number, 0 when the
// history is empty.
func (p *ProjectState) LastCycleNumber() (int, error) {
	return p.history.LastCycle()
}

// CautiousResume is the externalized continuation written when a cautious
// run suspends after Plan.
type CautiousResume struct {
	CycleNumber      int       `json:"cycle_number"`
	PlanArtifactPath string    `json:"plan_artifact_path"`
	PersonaID        string    `json:"persona_id"`
	AdversarialID    string    `json:"adversarial_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// WriteCautiousResume persists the resume descriptor.
func (p *ProjectState) WriteCautiousResume(token *CautiousResume) error {
	token.CreatedAt = time.Now().UTC()
	return p.writeJSON(p.CautiousResumePath(), token)
}

// ReadCautiousResume loads the resume descriptor; absent means nil.
func (p *ProjectState) ReadCautiousResume() (*CautiousResume, error) {
	var token CautiousResume
	if err := p.readJSON(p.CautiousResumePath(), &token); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &token, nil
}

// ClearCautiousResume removes the resume descriptor.
func (p *ProjectState) ClearCautiousResume() error {
	err := os.Remove(p.CautiousResumePath())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WritePhaseArtifact stores the latest artifact for a phase.
func (p *ProjectState) WritePhaseArtifact(phase core.Phase, content string) (string, error) {
	path := p.PhaseArtifactPath(phase)
	if err := atomicWriteFile(path, []byte(content), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// ReadPhaseArtifact returns the latest artifact for a phase; absent means
// empty.
func (p *ProjectState) ReadPhaseArtifact(phase core.Phase) (string, error) {
	data, err := fsutil.ReadFileScoped(p.PhaseArtifactPath(phase))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// NewItemID mints a backlog item id.
func NewItemID() string {
	return uuid.NewString()[:8]
}
