package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"agentlog/internal/database/models"
)

var (
	ErrNotFound      = errors.New("source not found")
	ErrDuplicate     = errors.New("source already registered")
	ErrInvalidSource = errors.New("invalid source")
)

// SourceSpec is the closed set of source shapes. Only types in this package
// implement it.
type SourceSpec interface {
	Kind() string
	validate() error
	clone() SourceSpec
}

// FileSpec tails an explicit list of files. A path may contain glob characters.
type FileSpec struct {
	Paths []string `json:"paths"`
}

func (FileSpec) Kind() string { return "file" }

func (s FileSpec) validate() error {
	if len(s.Paths) == 0 {
		return fmt.Errorf("%w: file source needs at least one path", ErrInvalidSource)
	}
	for _, p := range s.Paths {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("%w: empty path", ErrInvalidSource)
		}
		if _, err := filepath.Match(p, ""); err != nil {
			return fmt.Errorf("%w: bad glob %q: %v", ErrInvalidSource, p, err)
		}
	}
	return nil
}

func (s FileSpec) clone() SourceSpec {
	return FileSpec{Paths: slices.Clone(s.Paths)}
}

// DirectorySpec tails every file under Dir whose base name matches Pattern.
type DirectorySpec struct {
	Dir       string `json:"dir"`
	Pattern   string `json:"pattern"`
	Recursive bool   `json:"recursive"`
}

func (DirectorySpec) Kind() string { return "directory" }

func (s DirectorySpec) validate() error {
	if strings.TrimSpace(s.Dir) == "" {
		return fmt.Errorf("%w: directory source needs a dir", ErrInvalidSource)
	}
	if _, err := filepath.Match(s.pattern(), ""); err != nil {
		return fmt.Errorf("%w: bad pattern %q: %v", ErrInvalidSource, s.Pattern, err)
	}
	return nil
}

func (s DirectorySpec) clone() SourceSpec { return s }

func (s DirectorySpec) pattern() string {
	if s.Pattern == "" {
		return "*.log"
	}
	return s.Pattern
}

// Source is one configured log source of an agent.
type Source struct {
	ID           string        `json:"id"`
	AgentID      string        `json:"agentId"`
	Name         string        `json:"name"`
	Format       string        `json:"format"`
	Spec         SourceSpec    `json:"spec"`
	PollInterval time.Duration `json:"pollInterval"`
	Enabled      bool          `json:"enabled"`
	Custom       bool          `json:"custom"`
}

// Validate checks a source once, at load time.
func (s Source) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidSource)
	}
	if s.AgentID == "" {
		return fmt.Errorf("%w: source %s has no agent", ErrInvalidSource, s.ID)
	}
	switch s.Format {
	case models.FormatJSONLines, models.FormatPlainText:
	default:
		return fmt.Errorf("%w: source %s has unsupported format %q", ErrInvalidSource, s.ID, s.Format)
	}
	if s.Spec == nil {
		return fmt.Errorf("%w: source %s has no paths", ErrInvalidSource, s.ID)
	}
	if err := s.Spec.validate(); err != nil {
		return fmt.Errorf("source %s: %w", s.ID, err)
	}
	if s.PollInterval < 0 {
		return fmt.Errorf("%w: source %s has negative poll interval", ErrInvalidSource, s.ID)
	}
	return nil
}

func (s Source) clone() Source {
	if s.Spec != nil {
		s.Spec = s.Spec.clone()
	}
	return s
}

// FromAgentConfig builds the source for an agent definition.
func FromAgentConfig(cfg models.AgentConfig) (Source, error) {
	src := Source{
		ID:           cfg.ID,
		AgentID:      cfg.ID,
		Name:         cfg.Name,
		Format:       cfg.Format,
		PollInterval: cfg.PollInterval,
		Enabled:      cfg.Enabled,
		Custom:       cfg.Custom,
	}
	switch {
	case len(cfg.Paths) > 0:
		paths := make([]string, 0, len(cfg.Paths))
		for _, p := range cfg.Paths {
			paths = append(paths, ExpandHome(p))
		}
		src.Spec = FileSpec{Paths: paths}
	case cfg.Directory != "":
		src.Spec = DirectorySpec{Dir: ExpandHome(cfg.Directory), Pattern: cfg.Pattern, Recursive: cfg.Recursive}
	}
	if err := src.Validate(); err != nil {
		return Source{}, err
	}
	return src, nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Resolve expands a source into concrete file paths. Explicit paths are kept
// even if they do not exist yet so that late-created files are picked up.
func Resolve(src Source) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(p string) {
		p = filepath.Clean(p)
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	switch spec := src.Spec.(type) {
	case FileSpec:
		for _, p := range spec.Paths {
			if !hasMeta(p) {
				add(p)
				continue
			}
			matches, _ := filepath.Glob(p)
			for _, m := range matches {
				if isRegular(m) {
					add(m)
				}
			}
		}
	case DirectorySpec:
		pattern := spec.pattern()
		if !spec.Recursive {
			matches, _ := filepath.Glob(filepath.Join(spec.Dir, pattern))
			for _, m := range matches {
				if isRegular(m) {
					add(m)
				}
			}
			break
		}
		_ = filepath.WalkDir(spec.Dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if d != nil && d.IsDir() && path != spec.Dir {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if ok, _ := filepath.Match(pattern, d.Name()); ok && d.Type().IsRegular() {
				add(path)
			}
			return nil
		})
	}

	slices.Sort(out)
	return out
}

func hasMeta(path string) bool {
	return strings.ContainsAny(path, "*?[")
}

func isRegular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
