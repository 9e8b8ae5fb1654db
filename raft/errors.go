package raft

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrLeaderUnknown is returned when this node is not the leader and does
	// not know who is.
	ErrLeaderUnknown = errors.New("raft: leader unknown")
	// ErrQuorumNotReached means the entry was rolled back.
	ErrQuorumNotReached = errors.New("raft: replication quorum not reached")
	// ErrLeadershipLost means the node stepped down while replicating.
	ErrLeadershipLost = errors.New("raft: leadership lost during replication")
	ErrStopped        = errors.New("raft: node stopped")
	ErrCorruptState   = errors.New("raft: persisted state is inconsistent")
)

// NotLeaderError redirects a caller to the known leader.
type NotLeaderError struct {
	Leader string
}

func (e *NotLeaderError) Error() string {
	return fmt.Sprintf("raft: not leader, redirect to %s", e.Leader)
}
