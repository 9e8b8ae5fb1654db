package raft

import "context"

// LogStore is the durable, index-keyed copy of the log.
type LogStore interface {
	// Load returns every stored entry in index order.
	Load() ([]LogEntry, error)
	Get(index int) (LogEntry, bool, error)
	// Append inserts entries that must directly follow the current tail.
	Append(entries ...LogEntry) error
	// TruncateFrom deletes index and everything after it.
	TruncateFrom(index int) error
	MarkApplied(index, term int) error
	Reset() error
}

// StateStore keeps the term, vote and commit progress of a node.
type StateStore interface {
	Load() (PersistentState, error)
	Save(state PersistentState) error
	Reset() error
}

// Applier executes committed operations against the replicated state machine.
type Applier interface {
	Apply(op string, args map[string]interface{}) (interface{}, error)
}

// Transport delivers RPCs to other managers. Implementations must honour the
// context deadline.
type Transport interface {
	RequestVote(ctx context.Context, peer string, args RequestVoteArgs) (RequestVoteReply, error)
	AppendEntries(ctx context.Context, peer string, args AppendEntriesArgs) (AppendEntriesReply, error)
	GetLeader(ctx context.Context, peer string) (string, error)
	NotifyLeader(ctx context.Context, peer string, leader string) error
	Announce(ctx context.Context, peer string, self string) error
}

// LeaderObserver is told, best effort, whenever this node wins an election.
type LeaderObserver interface {
	LeaderElected(leader string)
}
