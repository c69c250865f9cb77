package session

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/opal-dev/opal/pkg/ai"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s := New("sess-1", "/work")
	s.SetTitle("greetings")
	u := mustAppend(t, s, user("hello"))
	mustAppend(t, s, assistant("Hi there"))
	if err := s.Branch(u.ID); err != nil {
		t.Fatalf("branch: %v", err)
	}
	a2 := mustAppend(t, s, assistant("Hola"))

	path, err := s.Save(dir)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ID() != "sess-1" || loaded.Title() != "greetings" || loaded.CWD() != "/work" {
		t.Fatalf("metadata lost: %q %q %q", loaded.ID(), loaded.Title(), loaded.CWD())
	}
	if loaded.CurrentID() != a2.ID {
		t.Fatalf("current = %q, want %q", loaded.CurrentID(), a2.ID)
	}
	if !reflect.DeepEqual(loaded.sortedIDs(), s.sortedIDs()) {
		t.Fatal("tree differs after round trip")
	}
	if !reflect.DeepEqual(loaded.Path(), s.Path()) {
		t.Fatal("path differs after round trip")
	}
}

func TestSaveLoadIsStable(t *testing.T) {
	dir := t.TempDir()

	s := New("stable", "")
	mustAppend(t, s, user("a"))
	mustAppend(t, s, assistant("b"))

	p1, err := s.Save(dir)
	if err != nil {
		t.Fatalf("save 1: %v", err)
	}
	first, err := os.ReadFile(p1)
	if err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(p1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p2, err := loaded.Save(dir)
	if err != nil {
		t.Fatalf("save 2: %v", err)
	}
	second, err := os.ReadFile(p2)
	if err != nil {
		t.Fatal(err)
	}

	// The header timestamp changes; everything else must not. Compare the
	// message lines.
	if stripFirstLine(string(first)) != stripFirstLine(string(second)) {
		t.Fatal("second save differs from first")
	}
}

func stripFirstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[i+1:]
		}
	}
	return ""
}

func TestLoadSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	s := New("messy", "")
	mustAppend(t, s, user("a"))
	path, err := s.Save(dir)
	if err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(path)
	data = append(data, []byte("{not json\n")...)
	data = append(data, []byte(`{"type":"message","message":{}}`+"\n")...)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Len() != 1 {
		t.Fatalf("len = %d, want 1", loaded.Len())
	}
}

func TestLoadMissingHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.jsonl")
	if err := os.WriteFile(path, []byte(`{"type":"message","message":{"id":"x","role":"user"}}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected missing header error")
	}
}

func TestListNewestFirstAndSkipsCorrupt(t *testing.T) {
	dir := t.TempDir()

	for _, id := range []string{"one", "two"} {
		s := New(id, "")
		mustAppend(t, s, user("hi "+id))
		if _, err := s.Save(dir); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "junk.jsonl"), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	infos, err := List(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("listed %d, want 2", len(infos))
	}
	if infos[0].ModTime.Before(infos[1].ModTime) {
		t.Fatal("not newest first")
	}
}

func TestListMissingDir(t *testing.T) {
	infos, err := List(filepath.Join(t.TempDir(), "nope"))
	if err != nil || infos != nil {
		t.Fatalf("got %v, %v; want nil, nil", infos, err)
	}
}

func TestDelete(t *testing.T) {
	dir := t.TempDir()
	s := New("gone", "")
	mustAppend(t, s, user("x"))
	if _, err := s.Save(dir); err != nil {
		t.Fatal(err)
	}
	if err := Delete(dir, "gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := Delete(dir, "gone"); err == nil {
		t.Fatal("expected error deleting twice")
	}
}

func TestLoadPreservesToolCalls(t *testing.T) {
	dir := t.TempDir()
	s := New("tools", "")
	mustAppend(t, s, user("run it"))
	withCall := assistant("")
	withCall.ToolCalls = []ai.ToolCall{{ID: "c1", Name: "echo", Arguments: map[string]any{"input": "x"}}}
	mustAppend(t, s, withCall)
	mustAppend(t, s, ai.Message{ID: ai.NewID(), Role: ai.RoleToolResult, CallID: "c1", Name: "echo", Content: "Echo: x"})

	path, err := s.Save(dir)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	got := loaded.Path()
	if len(got) != 3 {
		t.Fatalf("path len = %d", len(got))
	}
	if got[1].ToolCalls[0].Arguments["input"] != "x" {
		t.Fatal("tool call arguments lost")
	}
	if got[2].CallID != "c1" {
		t.Fatal("call id lost")
	}
}
