package raft

// State is the role a node plays in the cluster.
type State string

const (
	Leader    State = "leader"
	Follower  State = "follower"
	Candidate State = "candidate"
)

// LogEntry is one replicated client operation. Only Applied ever changes
// after the entry is written, and only from false to true.
type LogEntry struct {
	Term    int                    `json:"term"`
	Index   int                    `json:"index"`
	ID      string                 `json:"id"`
	Op      string                 `json:"op"`
	Args    map[string]interface{} `json:"args"`
	Applied bool                   `json:"applied"`
}

// PersistentState is what a node writes to disk before answering any RPC
// that depends on it.
type PersistentState struct {
	CurrentTerm int    `json:"current_term"`
	VotedFor    string `json:"voted_for"`
	CommitIndex int    `json:"commit_index"`
	LastApplied int    `json:"last_applied"`
}

// EmptyState is the state of a node that has never run.
func EmptyState() PersistentState {
	return PersistentState{CommitIndex: -1, LastApplied: -1}
}

// RequestVoteArgs is sent by candidates to gather votes.
type RequestVoteArgs struct {
	Term         int    `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex int    `json:"last_log_index"`
	LastLogTerm  int    `json:"last_log_term"`
}

// RequestVoteReply determines result of request vote
type RequestVoteReply struct {
	Term        int  `json:"term"`
	VoteGranted bool `json:"vote_granted"`
}

// AppendEntriesArgs carries log entries from the leader. With no entries it
// is a heartbeat.
type AppendEntriesArgs struct {
	Term         int        `json:"term"`
	LeaderID     string     `json:"leader_id"`
	PrevLogIndex int        `json:"prev_log_index"`
	PrevLogTerm  int        `json:"prev_log_term"`
	Entries      []LogEntry `json:"entries"`
	LeaderCommit int        `json:"leader_commit"`
}

// AppendEntriesReply defines structure of appended log request response
type AppendEntriesReply struct {
	Term    int  `json:"term"`
	Success bool `json:"success"`
}

// Status is the diagnostic view of a node returned by NodeStatus.
type Status struct {
	NodeID          string   `json:"node_id"`
	Role            State    `json:"role"`
	CurrentTerm     int      `json:"current_term"`
	VotedFor        string   `json:"voted_for,omitempty"`
	Leader          string   `json:"leader,omitempty"`
	CommitIndex     int      `json:"commit_index"`
	LastApplied     int      `json:"last_applied"`
	LogLength       int      `json:"log_length"`
	Peers           []string `json:"peers"`
	ElectionBlocked bool     `json:"election_blocked"`
}
