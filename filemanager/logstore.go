package filemanager

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/gwDistSys20/identity-manager/raft"
)

const (
	// LogFile is the JSON-lines log, one entry per line.
	LogFile = "log.jsonl"
	// AppliedFile holds one marker line per applied entry. Markers are
	// folded back into LogFile whenever the log is rewritten.
	AppliedFile = "applied.jsonl"
)

// appliedMarker names an applied entry by position, term and id so that a
// marker never matches a different entry written to the same slot.
type appliedMarker struct {
	Index int    `json:"index"`
	Term  int    `json:"term"`
	ID    string `json:"id"`
}

// LogStore implements raft.LogStore on top of a FileManager. Appends and
// applied flags are synced line appends; only truncation rewrites the log.
type LogStore struct {
	mu      sync.Mutex
	fm      *FileManager
	entries []raft.LogEntry
	loaded  bool
}

func NewLogStore(fm *FileManager) *LogStore {
	return &LogStore{fm: fm}
}

// Load reads the whole log and checks that indexes run 0..n-1.
func (s *LogStore) Load() ([]raft.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	return append([]raft.LogEntry(nil), s.entries...), nil
}

func (s *LogStore) loadLocked() error {
	if s.loaded {
		return nil
	}
	lines, err := s.fm.ReadLines(LogFile)
	if err != nil {
		return err
	}
	entries := make([]raft.LogEntry, 0, len(lines))
	for i, line := range lines {
		var entry raft.LogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return errors.Wrapf(ErrCorrupt, "log line %d: %v", i+1, err)
		}
		if entry.Index != i {
			return errors.Wrapf(ErrCorrupt, "log line %d holds index %d", i+1, entry.Index)
		}
		entries = append(entries, entry)
	}

	markers, err := s.fm.ReadLines(AppliedFile)
	if err != nil {
		return err
	}
	for i, line := range markers {
		var m appliedMarker
		if err := json.Unmarshal(line, &m); err != nil {
			return errors.Wrapf(ErrCorrupt, "applied line %d: %v", i+1, err)
		}
		if m.Index < 0 || m.Index >= len(entries) {
			continue
		}
		if entries[m.Index].Term == m.Term && entries[m.Index].ID == m.ID {
			entries[m.Index].Applied = true
		}
	}
	s.entries = entries
	s.loaded = true
	return nil
}

// Len returns how many entries are stored.
func (s *LogStore) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return 0, err
	}
	return len(s.entries), nil
}

func (s *LogStore) Get(index int) (raft.LogEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return raft.LogEntry{}, false, err
	}
	if index < 0 || index >= len(s.entries) {
		return raft.LogEntry{}, false, nil
	}
	return s.entries[index], true, nil
}

// Append is the bulk insert. Entries must continue the stored log without
// gaps or duplicates.
func (s *LogStore) Append(entries ...raft.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	lines := make([][]byte, 0, len(entries))
	for i, entry := range entries {
		if want := len(s.entries) + i; entry.Index != want {
			return errors.Errorf("filemanager: append index %d, expected %d", entry.Index, want)
		}
		line, err := json.Marshal(entry)
		if err != nil {
			return errors.Wrapf(err, "encode entry %d", entry.Index)
		}
		lines = append(lines, line)
	}
	if err := s.fm.AppendLines(LogFile, lines...); err != nil {
		return err
	}
	s.entries = append(s.entries, entries...)
	return nil
}

// TruncateFrom deletes index and everything after it.
func (s *LogStore) TruncateFrom(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	if index < 0 {
		index = 0
	}
	if index >= len(s.entries) {
		return nil
	}
	kept := s.entries[:index]
	if err := s.rewriteLocked(kept); err != nil {
		return err
	}
	s.entries = append([]raft.LogEntry(nil), kept...)
	// the rewritten log carries every applied flag
	return s.fm.Remove(AppliedFile)
}

// MarkApplied sets the applied flag of the entry at index, provided it still
// belongs to term. The flag is recorded by appending a marker, so the cost
// does not grow with the log.
func (s *LogStore) MarkApplied(index, term int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	if index < 0 || index >= len(s.entries) {
		return errors.Errorf("filemanager: no entry at index %d", index)
	}
	if s.entries[index].Term != term {
		return errors.Errorf("filemanager: entry %d has term %d, not %d", index, s.entries[index].Term, term)
	}
	if s.entries[index].Applied {
		return nil
	}
	line, err := json.Marshal(appliedMarker{Index: index, Term: term, ID: s.entries[index].ID})
	if err != nil {
		return errors.Wrapf(err, "encode applied marker %d", index)
	}
	if err := s.fm.AppendLines(AppliedFile, line); err != nil {
		return err
	}
	s.entries[index].Applied = true
	return nil
}

// Reset empties the log.
func (s *LogStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fm.Remove(LogFile); err != nil {
		return err
	}
	if err := s.fm.Remove(AppliedFile); err != nil {
		return err
	}
	s.entries = nil
	s.loaded = true
	return nil
}

func (s *LogStore) rewriteLocked(entries []raft.LogEntry) error {
	lines := make([][]byte, 0, len(entries))
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			return errors.Wrapf(err, "encode entry %d", entry.Index)
		}
		lines = append(lines, line)
	}
	return s.fm.WriteLines(LogFile, lines)
}
