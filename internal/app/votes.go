package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"citypulse/api/internal/store"
	"citypulse/api/internal/util"
)

// VoteResult reports the caller's vote state and the issue's live
// counter after an operation.
type VoteResult struct {
	Voted bool `json:"voted"`
	Votes int  `json:"votes"`
}

// issueLock returns the mutex serializing vote mutations for one issue.
// Toggles on different issues proceed in parallel.
func (s *Service) issueLock(issueID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.issueLocks[issueID]
	if !ok {
		lock = &sync.Mutex{}
		s.issueLocks[issueID] = lock
	}
	return lock
}

// ToggleVote flips the caller's vote on an issue. No vote becomes a
// vote; an existing vote is withdrawn. The counter moves by exactly one
// in the matching direction via an atomic SQL increment, so it always
// equals the number of live vote rows.
func (s *Service) ToggleVote(ctx context.Context, session Session, issueID string) (VoteResult, error) {
	if session.UserID == "" {
		return VoteResult{}, errUnauthorized("sign in to vote")
	}

	lock := s.issueLock(issueID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.store.GetIssue(ctx, issueID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return VoteResult{}, errNotFound("issue not found")
		}
		return VoteResult{}, fmt.Errorf("load issue: %w", err)
	}

	existing, err := s.store.FindVote(ctx, session.UserID, issueID)
	if err != nil {
		return VoteResult{}, fmt.Errorf("find vote: %w", err)
	}

	if existing == nil {
		if err := s.store.InsertVote(ctx, store.Vote{
			ID:      util.NewID("vote"),
			UserID:  session.UserID,
			IssueID: issueID,
		}); err != nil {
			return VoteResult{}, fmt.Errorf("insert vote: %w", err)
		}
		votes, err := s.store.IncrementIssueVotes(ctx, issueID)
		if err != nil {
			return VoteResult{}, fmt.Errorf("increment votes: %w", err)
		}
		return VoteResult{Voted: true, Votes: votes}, nil
	}

	if err := s.store.DeleteVote(ctx, existing.ID); err != nil {
		return VoteResult{}, fmt.Errorf("delete vote: %w", err)
	}
	votes, err := s.store.DecrementIssueVotes(ctx, issueID)
	if err != nil {
		return VoteResult{}, fmt.Errorf("decrement votes: %w", err)
	}
	return VoteResult{Voted: false, Votes: votes}, nil
}

// VoteStatus reports whether the caller has voted on an issue and the
// current counter. Anonymous callers get {voted: false} rather than an
// auth error; a missing issue is NotFound for everyone.
func (s *Service) VoteStatus(ctx context.Context, session Session, issueID string) (VoteResult, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return VoteResult{}, errNotFound("issue not found")
		}
		return VoteResult{}, fmt.Errorf("load issue: %w", err)
	}

	if session.UserID == "" {
		return VoteResult{Voted: false, Votes: issue.Votes}, nil
	}

	vote, err := s.store.FindVote(ctx, session.UserID, issueID)
	if err != nil {
		return VoteResult{}, fmt.Errorf("find vote: %w", err)
	}
	return VoteResult{Voted: vote != nil, Votes: issue.Votes}, nil
}
