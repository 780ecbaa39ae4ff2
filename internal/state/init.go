package state

import (
	"os"
	"path/filepath"
	"strings"
)

const identityTemplate = `# Identity

## Mission

Describe what this project exists to do.

## Core Values

- Correctness over speed
- Small reviewable changes

## Current Phase

Early development.

## Quality Standards

- Tests accompany behavior changes
- The build stays green

## Product Direction

Describe where the project is heading.

## Ecosystem

Describe the users, adjacent tools, and platforms that matter.

## Boundaries

- .evonest/
- .git/
`

const configTemplate = `{
  // Evonest engine configuration. Unset keys inherit engine defaults.
  "active_level": "standard",
  "verify": {
    "build": null,
    "test": null
  }
}
`

// InitProject creates the .evonest/ directory with templates. It is
// idempotent: existing files are left untouched, and the ignore entry is
// appended only once.
func (p *ProjectState) InitProject() error {
	dirs := []string{
		p.dir,
		p.ProposalsDir(),
		p.ProposalsDoneDir(),
		p.StimuliDir(),
		p.StimuliProcessedDir(),
		p.DecisionsDir(),
		p.HistoryDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}

	if err := p.writeIfAbsent(p.IdentityPath(), identityTemplate); err != nil {
		return err
	}
	if err := p.writeIfAbsent(p.ConfigPath(), configTemplate); err != nil {
		return err
	}

	if err := p.ensureIgnored(); err != nil {
		return err
	}

	p.logger.Info("project initialized", "dir", p.dir)
	return nil
}

func (p *ProjectState) writeIfAbsent(path, content string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	return atomicWriteFile(path, []byte(content), 0o600)
}

// ensureIgnored appends .evonest/ to the project's .gitignore when the
// entry is missing. A project without a .gitignore gets one.
func (p *ProjectState) ensureIgnored() error {
	ignorePath := filepath.Join(p.root, ".gitignore")
	entry := DirName + "/"

	data, err := os.ReadFile(ignorePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == entry || trimmed == DirName {
			return nil
		}
	}

	content := string(data)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += entry + "\n"
	return atomicWriteFile(ignorePath, []byte(content), 0o644)
}
