package rules

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

//go:embed defaults/*.yaml
var defaultsFS embed.FS

// GenericExercise is the rule set used when an exercise has no dedicated entry.
const GenericExercise = "generic"

// Repository provides rule sets by exercise name.
type Repository interface {
	// LoadRules loads every rule set. Called once before a session starts.
	LoadRules(ctx context.Context) error
	// FindExerciseByName returns the rule set for name or one of its aliases.
	FindExerciseByName(name string) (*RuleSet, bool)
	// FallbackRules returns the generic rule set relabelled for name.
	FallbackRules(name string) *RuleSet
}

// FileRepository serves the embedded default rule sets, overridden by YAML
// files found in an optional directory.
type FileRepository struct {
	dir string

	mu      sync.RWMutex
	byName  map[string]*RuleSet
	generic *RuleSet
	loaded  bool
}

// NewFileRepository creates a repository. dir may be empty to use only the embedded defaults.
func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{dir: dir}
}

// LoadRules loads the embedded defaults then the rule directory.
// Invalid files in the rule directory fail the load.
func (r *FileRepository) LoadRules(ctx context.Context) error {
	sets := make(map[string]*RuleSet)

	entries, err := fs.ReadDir(defaultsFS, "defaults")
	if err != nil {
		return fmt.Errorf("rules: reading embedded defaults: %w", err)
	}
	for _, e := range entries {
		data, err := defaultsFS.ReadFile("defaults/" + e.Name())
		if err != nil {
			return fmt.Errorf("rules: reading %s: %w", e.Name(), err)
		}
		rs, err := Parse(data)
		if err != nil {
			return fmt.Errorf("rules: embedded %s: %w", e.Name(), err)
		}
		sets[NormalizeName(rs.Exercise)] = rs
	}

	if r.dir != "" {
		files, err := Files(r.dir)
		if err != nil {
			return fmt.Errorf("rules: %w", err)
		}
		for _, path := range files {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("rules: reading %s: %w", path, err)
			}
			rs, err := Parse(data)
			if err != nil {
				return fmt.Errorf("rules: %s: %w", path, err)
			}
			key := NormalizeName(rs.Exercise)
			if _, ok := sets[key]; ok {
				slog.Info("rules: overriding default rule set", "exercise", rs.Exercise, "file", path)
			}
			sets[key] = rs
		}
	}

	generic, ok := sets[GenericExercise]
	if !ok {
		return fmt.Errorf("rules: no %q rule set available", GenericExercise)
	}

	byName := make(map[string]*RuleSet, len(sets)*2)
	for key, rs := range sets {
		byName[key] = rs
	}
	// Aliases never shadow a canonical exercise name.
	for _, rs := range sets {
		for _, alias := range rs.Aliases {
			key := NormalizeName(alias)
			if _, taken := byName[key]; !taken {
				byName[key] = rs
			}
		}
	}

	r.mu.Lock()
	r.byName = byName
	r.generic = generic
	r.loaded = true
	r.mu.Unlock()

	slog.Info("rules: loaded rule sets", "count", len(sets), "dir", r.dir)
	return nil
}

// FindExerciseByName looks up a rule set by exercise name or alias.
func (r *FileRepository) FindExerciseByName(name string) (*RuleSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.byName[NormalizeName(name)]
	return rs, ok
}

// FallbackRules returns a copy of the generic rule set named after the requested exercise.
func (r *FileRepository) FallbackRules(name string) *RuleSet {
	r.mu.RLock()
	generic := r.generic
	r.mu.RUnlock()
	if generic == nil {
		return nil
	}
	rs := *generic
	rs.Exercise = name
	rs.Aliases = nil
	return &rs
}

// Exercises lists the canonical exercise names.
func (r *FileRepository) Exercises() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, rs := range r.byName {
		if !seen[rs.Exercise] {
			seen[rs.Exercise] = true
			out = append(out, rs.Exercise)
		}
	}
	sort.Strings(out)
	return out
}

// Resolve returns the rule set for name, or the fallback when none exists.
// fallback reports whether the generic rule set was used.
func Resolve(repo Repository, name string) (rs *RuleSet, fallback bool) {
	if rs, ok := repo.FindExerciseByName(name); ok {
		return rs, false
	}
	return repo.FallbackRules(name), true
}

// NormalizeName folds an exercise name for lookup: Unicode NFC, case folded,
// with runs of spaces, hyphens and underscores collapsed to one underscore.
func NormalizeName(name string) string {
	s := cases.Fold().String(norm.NFC.String(strings.TrimSpace(name)))
	var b strings.Builder
	sep := false
	for _, r := range s {
		switch r {
		case ' ', '-', '_', '\t':
			sep = true
			continue
		}
		if sep && b.Len() > 0 {
			b.WriteByte('_')
		}
		sep = false
		b.WriteRune(r)
	}
	return b.String()
}

// Files lists the YAML rule files in dir.
func Files(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("rule directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}

	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}
