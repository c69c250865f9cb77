// Package session — durable persistence.
//
// Each session is one JSONL file in the sessions directory:
//   - Line 1: Header (type=session, id, version, title, cwd, current_id)
//   - Lines 2+: one MessageEntry per message, in insertion order
//
// Saving writes a full snapshot through a temp file and rename, so a crash
// mid-save never corrupts the previous snapshot. Loading reproduces the
// exact tree and current leaf (messages carry their own IDs and parent
// pointers).
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opal-dev/opal/pkg/ai"
)

const (
	currentVersion = 1
	fileExt        = ".jsonl"
)

// Header is the first line of a session file.
type Header struct {
	Type      string `json:"type"` // "session"
	Version   int    `json:"version"`
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	CWD       string `json:"cwd,omitempty"`
	CurrentID string `json:"current_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// MessageEntry is one message line of a session file.
type MessageEntry struct {
	Type    string     `json:"type"` // "message"
	Message ai.Message `json:"message"`
}

// Info summarises one saved session for listings.
type Info struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	Path         string    `json:"path"`
	MessageCount int       `json:"message_count"`
	ModTime      time.Time `json:"mod_time"`
}

// Save writes a snapshot of the store to dir/<id>.jsonl and returns the
// file path.
func (s *Store) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("session: mkdir %s: %w", dir, err)
	}

	s.mu.RLock()
	header := Header{
		Type:      "session",
		Version:   currentVersion,
		ID:        s.id,
		Title:     s.title,
		CWD:       s.cwd,
		CurrentID: s.currentID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	entries := make([]MessageEntry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, MessageEntry{Type: "message", Message: s.msgs[id]})
	}
	s.mu.RUnlock()

	path := filepath.Join(dir, s.id+fileExt)
	tmp, err := os.CreateTemp(dir, "."+s.id+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("session: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := writeLine(w, header); err != nil {
		tmp.Close()
		return "", err
	}
	for _, e := range entries {
		if err := writeLine(w, e); err != nil {
			tmp.Close()
			return "", err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("session: flush: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("session: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("session: rename: %w", err)
	}
	return path, nil
}

func writeLine(w *bufio.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: marshal entry: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	return w.WriteByte('\n')
}

// Load reads a session file and rebuilds the store. Unparseable lines are
// skipped; callers treat a Load error (missing file, no header) as an
// empty session.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("session: read %s: %w", path, err)
	}

	var header Header
	var msgs []ai.Message
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			continue
		}
		switch probe.Type {
		case "session":
			_ = json.Unmarshal([]byte(line), &header)
		case "message":
			var e MessageEntry
			if err := json.Unmarshal([]byte(line), &e); err == nil && e.Message.ID != "" {
				msgs = append(msgs, e.Message)
			}
		}
	}
	if header.ID == "" {
		return nil, fmt.Errorf("session: %s: no session header", path)
	}

	s := New(header.ID, header.CWD)
	s.title = header.Title
	for _, m := range msgs {
		s.msgs[m.ID] = m
		s.order = append(s.order, m.ID)
		if m.ParentID == "" {
			s.roots = append(s.roots, m.ID)
		} else {
			s.children[m.ParentID] = append(s.children[m.ParentID], m.ID)
		}
	}
	if _, ok := s.msgs[header.CurrentID]; ok {
		s.currentID = header.CurrentID
	} else if n := len(s.order); n > 0 {
		// Header pointed at a missing node; fall back to the last insert.
		s.currentID = s.order[n-1]
	}
	return s, nil
}

// List returns the saved sessions in dir, newest first.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: read dir %s: %w", dir, err)
	}

	var out []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		st, err := Load(path)
		if err != nil {
			continue // skip corrupt files in listings
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{
			ID:           st.ID(),
			Title:        st.Title(),
			Path:         path,
			MessageCount: st.Len(),
			ModTime:      fi.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.After(out[j].ModTime) })
	return out, nil
}

// Delete removes the saved session file for id.
func Delete(dir, id string) error {
	path := filepath.Join(dir, id+fileExt)
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("session: delete %s: %w", id, err)
	}
	return nil
}
