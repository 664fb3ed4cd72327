// Package skills maintains the in-process skill registry. Skills are
// directories holding a SKILL.md with YAML frontmatter; the registry is
// rebuilt from disk on init and kept current by a filesystem watcher.
// It is never persisted.
package skills

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Scope orders collision resolution: project skills shadow user skills
// regardless of file modification times.
const (
	ScopeUser    = "user"
	ScopeProject = "project"
)

// Skill is one registered entry.
type Skill struct {
	ID          string
	Description string
	Path        string // SKILL.md location
	Hash        string // sha256 of the full file
	Scope       string
}

// Root is one directory scanned for skills.
type Root struct {
	Path  string
	Scope string
}

// DefaultRoots returns the user-level scan roots.
func DefaultRoots() []Root {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []Root{
		{Path: filepath.Join(home, ".agents", "skills"), Scope: ScopeUser},
		{Path: filepath.Join(home, ".codex", "skills"), Scope: ScopeUser},
	}
}

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Registry holds the current skill set.
type Registry struct {
	mu     sync.RWMutex
	roots  []Root
	skills map[string]*Skill
}

// NewRegistry creates a registry scanning the given roots. Project roots
// come from world configuration; user roots from DefaultRoots.
func NewRegistry(roots []Root) *Registry {
	return &Registry{
		roots:  roots,
		skills: make(map[string]*Skill),
	}
}

// Roots returns the configured scan roots.
func (r *Registry) Roots() []Root {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Root, len(r.roots))
	copy(out, r.roots)
	return out
}

// SyncResult counts what a sync changed.
type SyncResult struct {
	Added   int
	Updated int
	Removed int
}

// Sync rescans all roots and reconciles the registry: insert new skills,
// update changed ones, drop entries whose files are gone, leave
// identical entries untouched. Deterministic and idempotent.
func (r *Registry) Sync() (SyncResult, error) {
	found := make(map[string]*Skill)
	for _, root := range r.roots {
		entries, err := os.ReadDir(root.Path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return SyncResult{}, fmt.Errorf("scan %s: %w", root.Path, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			path := filepath.Join(root.Path, entry.Name(), "SKILL.md")
			skill, err := parseSkillFile(path, root.Scope)
			if err != nil {
				slog.Warn("skipping unreadable skill", "path", path, "error", err)
				continue
			}
			if skill == nil {
				continue
			}
			if prev, ok := found[skill.ID]; ok {
				// Project scope wins regardless of mtime.
				if prev.Scope == ScopeProject && skill.Scope != ScopeProject {
					continue
				}
				if prev.Scope == skill.Scope {
					slog.Warn("duplicate skill id", "id", skill.ID, "kept", prev.Path, "dropped", skill.Path)
					continue
				}
			}
			found[skill.ID] = skill
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var res SyncResult
	for id, skill := range found {
		prev, ok := r.skills[id]
		switch {
		case !ok:
			r.skills[id] = skill
			res.Added++
		case prev.Hash != skill.Hash || prev.Path != skill.Path:
			r.skills[id] = skill
			res.Updated++
		}
	}
	for id := range r.skills {
		if _, ok := found[id]; !ok {
			delete(r.skills, id)
			res.Removed++
		}
	}
	return res, nil
}

// parseSkillFile reads one SKILL.md. A nil skill with nil error means
// the file should be skipped (missing, or no name in frontmatter).
func parseSkillFile(path, scope string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	fm, err := parseFrontmatter(data)
	if err != nil {
		return nil, err
	}
	if fm.Name == "" {
		return nil, nil
	}

	sum := sha256.Sum256(data)
	return &Skill{
		ID:          fm.Name,
		Description: fm.Description,
		Path:        path,
		Hash:        hex.EncodeToString(sum[:]),
		Scope:       scope,
	}, nil
}

func parseFrontmatter(data []byte) (frontmatter, error) {
	var fm frontmatter
	text := string(data)
	if !strings.HasPrefix(text, "---\n") && !strings.HasPrefix(text, "---\r\n") {
		return fm, nil
	}
	rest := text[4:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return fm, fmt.Errorf("unterminated frontmatter")
	}
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return fm, fmt.Errorf("parse frontmatter: %w", err)
	}
	return fm, nil
}

// Get returns one skill by id.
func (r *Registry) Get(id string) (*Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[id]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// ResolvePath implements the load_skill tool's resolver.
func (r *Registry) ResolvePath(id string) (string, bool) {
	s, ok := r.Get(id)
	if !ok {
		return "", false
	}
	return s.Path, true
}

// List returns all skills sorted by id.
func (r *Registry) List() []Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PromptBlock renders the available_skills block injected into agent
// system prompts. Empty when no skills are registered.
func (r *Registry) PromptBlock() string {
	skills := r.List()
	if len(skills) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<available_skills>\n")
	for _, s := range skills {
		fmt.Fprintf(&b, "- %s: %s\n", s.ID, s.Description)
	}
	b.WriteString("</available_skills>")
	return b.String()
}
