//go:build !no_automation

package automation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "scripts")
	m, err := NewManager(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta: ScriptMeta{
			Name:        "Auto Join",
			Description: "restart touchlink after a join",
			Enabled:     true,
		},
		LuaCode: `touchlink.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "auto_join" {
		t.Errorf("id = %q, want auto_join", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != saved.Meta {
		t.Errorf("meta = %+v, want %+v", got.Meta, saved.Meta)
	}
	if strings.TrimSpace(got.LuaCode) != `touchlink.log("hello")` {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
	if got.FilePath != filepath.Join(m.dir, "auto_join.lua") {
		t.Errorf("file path = %q", got.FilePath)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{ID: "my_script", Meta: ScriptMeta{Name: "My Script"}, LuaCode: `touchlink.log("v1")`})
	if err != nil {
		t.Fatal(err)
	}
	saved.LuaCode = `touchlink.log("v2")`
	if _, err := m.Save(saved); err != nil {
		t.Fatal(err)
	}

	got, err := m.Get("my_script")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.LuaCode, `"v2"`) {
		t.Errorf("lua_code after update = %q", got.LuaCode)
	}
	scripts, _ := m.List()
	if len(scripts) != 1 {
		t.Errorf("list count = %d, want 1", len(scripts))
	}
}

func TestManagerListSortedAndSkipsOthers(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"Gamma", "Alpha", "Beta"} {
		if _, err := m.Save(&Script{Meta: ScriptMeta{Name: name}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(m.dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, "broken.lua"), []byte("-- {not json\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, s := range scripts {
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "alpha,beta,gamma" {
		t.Errorf("ids = %v", ids)
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{Meta: ScriptMeta{Name: "ToDelete"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("get after delete: %v", err)
	}
	if err := m.Delete(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestManagerInvalidID(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"", "..", "../etc/passwd", `a\b`} {
		if _, err := m.Get(id); err == nil {
			t.Errorf("Get(%q) succeeded", id)
		}
		if err := m.Delete(id); err == nil {
			t.Errorf("Delete(%q) succeeded", id)
		}
	}
	if _, err := m.Save(&Script{ID: "../x"}); err == nil {
		t.Error("Save with traversal id succeeded")
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)

	s1, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID != "dup" || s2.ID != "dup_1" {
		t.Errorf("ids = %q, %q", s1.ID, s2.ID)
	}

	s3, err := m.Save(&Script{Meta: ScriptMeta{Name: "!!!"}})
	if err != nil {
		t.Fatal(err)
	}
	if s3.ID != "script" {
		t.Errorf("fallback id = %q, want script", s3.ID)
	}
}

func TestParseScript(t *testing.T) {
	tests := []struct {
		name    string
		content string
		meta    ScriptMeta
		code    string
		wantErr bool
	}{
		{
			name:    "with metadata",
			content: "-- {\"name\":\"Rejoin\",\"description\":\"d\",\"enabled\":true}\n\ntouchlink.start()\n",
			meta:    ScriptMeta{Name: "Rejoin", Description: "d", Enabled: true},
			code:    "touchlink.start()\n",
		},
		{
			name:    "plain lua",
			content: "-- just a comment\ntouchlink.start()\n",
			meta:    ScriptMeta{Name: "plain"},
			code:    "-- just a comment\ntouchlink.start()\n",
		},
		{
			name:    "bad metadata",
			content: "-- {\"name\":\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := parseScript("plain", []byte(tt.content))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if s.Meta != tt.meta {
				t.Errorf("meta = %+v, want %+v", s.Meta, tt.meta)
			}
			if s.LuaCode != tt.code {
				t.Errorf("code = %q, want %q", s.LuaCode, tt.code)
			}
		})
	}
}

func TestSerializeScriptRoundTrip(t *testing.T) {
	in := &Script{
		ID:      "test",
		Meta:    ScriptMeta{Name: "Test", Description: "desc", Enabled: true},
		LuaCode: `touchlink.log("hi")`,
	}
	content := serializeScript(in)
	if !strings.HasPrefix(string(content), metaPrefix) {
		t.Errorf("missing metadata line: %q", content)
	}

	out, err := parseScript("test", content)
	if err != nil {
		t.Fatal(err)
	}
	if out.Meta != in.Meta || strings.TrimSpace(out.LuaCode) != in.LuaCode {
		t.Errorf("round trip = %+v", out)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Auto Join", "auto_join"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"UPPER", "upper"},
		{strings.Repeat("a", 50), strings.Repeat("a", 40)},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
