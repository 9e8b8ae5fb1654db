package raft

import (
	"context"
)

// onElectionTimeout runs when the election alarm of generation gen goes off.
// A heartbeat or vote that re-armed the timer in the meantime cancels it; the
// check and the switch to candidate happen under one hold of r.mutex.
func (r *Raft) onElectionTimeout(gen uint64) {
	r.mutex.Lock()
	if r.stopped || r.state == Leader || !r.electionTimer.Current(gen) {
		r.mutex.Unlock()
		return
	}
	r.logger.Info("did not hear from leader, starting election")
	r.campaignLocked()
}

// startElection to start a new election within current term
func (r *Raft) startElection() {
	r.mutex.Lock()
	if r.stopped || r.state == Leader {
		r.mutex.Unlock()
		return
	}
	r.campaignLocked()
}

// campaignLocked turns r into a candidate and collects votes. Expects r.mutex
// to be locked and releases it.
func (r *Raft) campaignLocked() {
	prevTerm, prevVote := r.term, r.votedFor
	r.state = Candidate
	r.term++
	r.votedFor = r.id
	r.leaderID = ""
	if err := r.persistLocked(); err != nil {
		r.state = Follower
		r.term, r.votedFor = prevTerm, prevVote
		r.electionTimer.Reset()
		r.mutex.Unlock()
		return
	}
	currentTerm := r.term
	lastLogIndex, lastLogTerm := r.lastLogIndexAndTerm()
	peers := append([]string(nil), r.peers...)
	k := r.quorumLocked()
	// a lost or split election is retried when this fires again
	r.electionTimer.Reset()
	r.logger.Info("becomes candidate", "term", currentTerm)

	votes := 1
	if votes > k {
		r.logger.Info("wins election", "term", currentTerm, "votes", votes)
		r.becomeLeaderLocked()
		r.mutex.Unlock()
		return
	}
	r.mutex.Unlock()

	args := RequestVoteArgs{
		Term:         currentTerm,
		CandidateID:  r.id,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.conf.RPCTimeout)
	defer cancel()

	granted := make(chan bool, len(peers))
	for _, peer := range peers {
		go func(peer string) {
			reply, err := r.transport.RequestVote(ctx, peer, args)
			if err != nil {
				r.logger.Debug("request vote failed", "peer", peer, "err", err)
				granted <- false
				return
			}
			r.mutex.Lock()
			if reply.Term > r.term && !r.stopped {
				r.logger.Info("term out of date in vote reply", "peer", peer, "term", reply.Term)
				if err := r.stepDownLocked(reply.Term); err != nil {
					r.logger.Warn("step down not persisted", "term", reply.Term, "err", err)
				}
			}
			r.mutex.Unlock()
			granted <- reply.VoteGranted && reply.Term == currentTerm
		}(peer)
	}

	for range peers {
		if !<-granted {
			continue
		}
		votes++
		if votes > k {
			r.mutex.Lock()
			if r.state == Candidate && r.term == currentTerm {
				r.logger.Info("wins election", "term", currentTerm, "votes", votes)
				r.becomeLeaderLocked()
			}
			r.mutex.Unlock()
			return
		}
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.state == Candidate && r.term == currentTerm {
		r.logger.Info("election lost", "term", currentTerm, "votes", votes, "needed", k+1)
		r.state = Follower
	}
}

// HandleRequestVote is the RequestVote RPC.
func (r *Raft) HandleRequestVote(args RequestVoteArgs) RequestVoteReply {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.stopped {
		return RequestVoteReply{Term: r.term}
	}
	if args.Term > r.term {
		r.logger.Info("term out of date in RequestVote", "candidate", args.CandidateID, "term", args.Term)
		if err := r.stepDownLocked(args.Term); err != nil {
			return RequestVoteReply{Term: r.term}
		}
	}

	reply := RequestVoteReply{Term: r.term}
	if args.Term < r.term {
		return reply
	}
	if r.votedFor != "" && r.votedFor != args.CandidateID {
		r.logger.Debug("vote denied, already voted", "candidate", args.CandidateID, "votedFor", r.votedFor)
		return reply
	}
	if !r.atLeastAsUpToDate(args.LastLogTerm, args.LastLogIndex) {
		r.logger.Debug("vote denied, log behind", "candidate", args.CandidateID)
		return reply
	}

	previous := r.votedFor
	r.votedFor = args.CandidateID
	if err := r.persistLocked(); err != nil {
		r.votedFor = previous
		return reply
	}
	reply.VoteGranted = true
	if r.running {
		r.electionTimer.Reset()
	}
	r.logger.Info("vote granted", "candidate", args.CandidateID, "term", r.term)
	return reply
}

// stepDownLocked adopts a higher term and becomes a follower. When the new
// term cannot be persisted the old term and vote are kept, the node still
// gives up any leadership and the error is returned.
// Expects r.mutex to be locked.
func (r *Raft) stepDownLocked(term int) error {
	var err error
	if term > r.term {
		prevTerm, prevVote, prevLeader := r.term, r.votedFor, r.leaderID
		r.term = term
		r.votedFor = ""
		r.leaderID = ""
		if err = r.persistLocked(); err != nil {
			r.term, r.votedFor, r.leaderID = prevTerm, prevVote, prevLeader
		}
	}
	r.becomeFollowerLocked()
	return err
}

// becomeFollowerLocked makes r a follower and drops leader state.
// Expects r.mutex to be locked.
func (r *Raft) becomeFollowerLocked() {
	if r.state != Follower {
		r.logger.Info("becomes follower", "term", r.term)
	}
	r.state = Follower
	r.stopHeartbeatsLocked()
	if r.running {
		r.electionTimer.Reset()
	}
}

// becomeLeaderLocked switches r into a leader state and begins process of
// heartbeats. Expects r.mutex to be locked.
func (r *Raft) becomeLeaderLocked() {
	r.state = Leader
	r.leaderID = r.id
	r.electionTimer.Stop()

	r.nextIndex = make(map[string]int, len(r.peers))
	r.matchIndex = make(map[string]int, len(r.peers))
	for _, peer := range r.peers {
		r.nextIndex[peer] = len(r.logs)
		r.matchIndex[peer] = 0
	}
	r.logger.Info("becomes leader", "term", r.term, "logLength", len(r.logs))

	ctx, cancel := context.WithCancel(context.Background())
	r.heartbeatCancel = cancel
	go r.runHeartbeats(ctx, r.term)

	r.notifyNewLeaderLocked()
}

// stopHeartbeatsLocked ends the heartbeat loop and forgets replication
// progress. Expects r.mutex to be locked.
func (r *Raft) stopHeartbeatsLocked() {
	if r.heartbeatCancel != nil {
		r.heartbeatCancel()
		r.heartbeatCancel = nil
	}
	r.nextIndex = nil
	r.matchIndex = nil
}

// notifyNewLeaderLocked fires the new-leader notices without waiting on
// them. Expects r.mutex to be locked.
func (r *Raft) notifyNewLeaderLocked() {
	leader := r.id
	for _, peer := range r.peers {
		go func(peer string) {
			ctx, cancel := context.WithTimeout(context.Background(), r.conf.RPCTimeout)
			defer cancel()
			if err := r.transport.NotifyLeader(ctx, peer, leader); err != nil {
				r.logger.Debug("new leader notice failed", "peer", peer, "err", err)
			}
		}(peer)
	}
	if r.observer != nil {
		go r.observer.LeaderElected(leader)
	}
}
