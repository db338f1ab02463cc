//go:build !no_automation

package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ErrScriptNotFound is returned for an unknown script id.
var ErrScriptNotFound = errors.New("script not found")

const (
	scriptExt  = ".lua"
	metaPrefix = "-- {"
)

// validScriptID reports whether id is safe to use as a filename stem.
func validScriptID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

// Manager keeps automation scripts as .lua files in one directory. The first
// line of each file is a JSON metadata comment.
type Manager struct {
	dir    string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewManager creates a script manager rooted at dir, creating it if needed.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir, logger: logger.With("component", "scripts")}, nil
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.dir, id+scriptExt)
}

// List returns every parseable script, sorted by id.
func (m *Manager) List() ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}

	var scripts []*Script
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), scriptExt) {
			continue
		}
		s, err := m.load(strings.TrimSuffix(e.Name(), scriptExt))
		if err != nil {
			m.logger.Warn("skip script", "file", e.Name(), "err", err)
			continue
		}
		scripts = append(scripts, s)
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].ID < scripts[j].ID })
	return scripts, nil
}

// Get returns a single script by id.
func (m *Manager) Get(id string) (*Script, error) {
	if !validScriptID(id) {
		return nil, fmt.Errorf("invalid script id %q", id)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.load(id)
}

func (m *Manager) load(id string) (*Script, error) {
	data, err := os.ReadFile(m.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	s, err := parseScript(id, data)
	if err != nil {
		return nil, err
	}
	s.FilePath = m.path(id)
	return s, nil
}

// Save writes a script to disk. A script without an id gets one derived from
// its name, made unique within the directory.
func (m *Manager) Save(s *Script) (*Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = m.uniqueID(slugify(s.Meta.Name))
	} else if !validScriptID(s.ID) {
		return nil, fmt.Errorf("invalid script id %q", s.ID)
	}
	s.FilePath = m.path(s.ID)

	tmp := s.FilePath + ".tmp"
	if err := os.WriteFile(tmp, serializeScript(s), 0o644); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	if err := os.Rename(tmp, s.FilePath); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("rename script: %w", err)
	}
	return s, nil
}

func (m *Manager) uniqueID(base string) string {
	if base == "" {
		base = "script"
	}
	id := base
	for i := 1; ; i++ {
		if _, err := os.Stat(m.path(id)); errors.Is(err, fs.ErrNotExist) {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, i)
	}
}

// Delete removes a script file by id.
func (m *Manager) Delete(id string) error {
	if !validScriptID(id) {
		return fmt.Errorf("invalid script id %q", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	err := os.Remove(m.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrScriptNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("delete script: %w", err)
	}
	return nil
}

// parseScript splits a script file into its metadata line and Lua body.
// A file without a metadata line is a disabled script named after its id.
func parseScript(id string, data []byte) (*Script, error) {
	s := &Script{ID: id, Meta: ScriptMeta{Name: id}}
	body := string(data)

	if strings.HasPrefix(body, metaPrefix) {
		first, rest, _ := strings.Cut(body, "\n")
		if err := json.Unmarshal([]byte(strings.TrimPrefix(first, "-- ")), &s.Meta); err != nil {
			return nil, fmt.Errorf("parse script metadata: %w", err)
		}
		body = rest
	}
	s.LuaCode = strings.TrimLeft(body, "\n")
	return s, nil
}

// serializeScript reassembles a script file from its parts.
func serializeScript(s *Script) []byte {
	var b strings.Builder
	meta, _ := json.Marshal(s.Meta)
	b.WriteString("-- ")
	b.Write(meta)
	b.WriteString("\n")
	if s.LuaCode != "" {
		b.WriteString("\n")
		b.WriteString(s.LuaCode)
		if !strings.HasSuffix(s.LuaCode, "\n") {
			b.WriteString("\n")
		}
	}
	return []byte(b.String())
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}
