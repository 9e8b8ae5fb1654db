package filemanager

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/gwDistSys20/identity-manager/raft"
)

// StateFile holds term, vote and commit progress.
const StateFile = "state.json"

// StateStore implements raft.StateStore as one atomically replaced JSON file.
type StateStore struct {
	fm *FileManager
}

func NewStateStore(fm *FileManager) *StateStore {
	return &StateStore{fm: fm}
}

// Load returns the stored state. Only a data directory with neither a state
// file nor log entries is treated as a first boot.
func (s *StateStore) Load() (raft.PersistentState, error) {
	data, ok, err := s.fm.ReadFile(StateFile)
	if err != nil {
		return raft.PersistentState{}, err
	}
	if !ok {
		n, err := s.fm.CountLines(LogFile)
		if err != nil {
			return raft.PersistentState{}, err
		}
		if n > 0 {
			return raft.PersistentState{}, errors.Wrapf(ErrCorrupt, "state file missing but log holds %d entries", n)
		}
		return raft.EmptyState(), nil
	}

	var state raft.PersistentState
	if err := json.Unmarshal(data, &state); err != nil {
		return raft.PersistentState{}, errors.Wrapf(ErrCorrupt, "decode %s: %v", StateFile, err)
	}
	if state.CurrentTerm < 0 || state.CommitIndex < -1 || state.LastApplied < -1 {
		return raft.PersistentState{}, errors.Wrapf(ErrCorrupt, "negative values in %s", StateFile)
	}
	if state.LastApplied > state.CommitIndex {
		return raft.PersistentState{}, errors.Wrapf(ErrCorrupt, "last_applied %d beyond commit_index %d", state.LastApplied, state.CommitIndex)
	}
	return state, nil
}

func (s *StateStore) Save(state raft.PersistentState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode state")
	}
	return s.fm.WriteFile(StateFile, data)
}

// Reset removes the state file; the next Load is a first boot again once the
// log is empty too.
func (s *StateStore) Reset() error {
	return s.fm.Remove(StateFile)
}
