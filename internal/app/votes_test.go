package app

import (
	"context"
	"sync"
	"testing"

	"citypulse/api/internal/rbac"
)

func TestToggleVoteLifecycle(t *testing.T) {
	st := newMemStore()
	seedWards(t, st)
	svc := newTestService(st)
	reporter := seedUser(t, st, string(rbac.RoleCitizen))
	voter := seedUser(t, st, string(rbac.RoleCitizen))
	issue := seedIssue(t, st, reporter.ID)

	result, err := svc.ToggleVote(context.Background(), sessionFor(voter), issue.ID)
	if err != nil {
		t.Fatalf("first toggle: %v", err)
	}
	if !result.Voted || result.Votes != 1 {
		t.Fatalf("first toggle = %+v, want voted=true votes=1", result)
	}
	if rows := st.voteRows(issue.ID); rows != 1 {
		t.Fatalf("vote rows = %d, want 1", rows)
	}

	result, err = svc.ToggleVote(context.Background(), sessionFor(voter), issue.ID)
	if err != nil {
		t.Fatalf("second toggle: %v", err)
	}
	if result.Voted || result.Votes != 0 {
		t.Fatalf("second toggle = %+v, want voted=false votes=0", result)
	}
	if rows := st.voteRows(issue.ID); rows != 0 {
		t.Fatalf("vote rows = %d, want 0", rows)
	}
}

func TestToggleVoteIndependentUsers(t *testing.T) {
	st := newMemStore()
	seedWards(t, st)
	svc := newTestService(st)
	reporter := seedUser(t, st, string(rbac.RoleCitizen))
	issue := seedIssue(t, st, reporter.ID)

	first := seedUser(t, st, string(rbac.RoleCitizen))
	second := seedUser(t, st, string(rbac.RoleCitizen))

	if _, err := svc.ToggleVote(context.Background(), sessionFor(first), issue.ID); err != nil {
		t.Fatalf("first user: %v", err)
	}
	result, err := svc.ToggleVote(context.Background(), sessionFor(second), issue.ID)
	if err != nil {
		t.Fatalf("second user: %v", err)
	}
	if result.Votes != 2 {
		t.Fatalf("votes = %d, want 2", result.Votes)
	}

	// Withdrawing one vote leaves the other intact
	result, err = svc.ToggleVote(context.Background(), sessionFor(first), issue.ID)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if result.Voted || result.Votes != 1 {
		t.Fatalf("withdraw = %+v, want voted=false votes=1", result)
	}

	status, err := svc.VoteStatus(context.Background(), sessionFor(second), issue.ID)
	if err != nil {
		t.Fatalf("VoteStatus: %v", err)
	}
	if !status.Voted || status.Votes != 1 {
		t.Fatalf("second user status = %+v, want voted=true votes=1", status)
	}
}

func TestToggleVoteRequiresAuth(t *testing.T) {
	st := newMemStore()
	svc := newTestService(st)

	_, err := svc.ToggleVote(context.Background(), Session{}, "issue-any")
	if status := domainStatus(t, err); status != 401 {
		t.Fatalf("status = %d, want 401", status)
	}
}

func TestToggleVoteMissingIssue(t *testing.T) {
	st := newMemStore()
	svc := newTestService(st)
	voter := seedUser(t, st, string(rbac.RoleCitizen))

	_, err := svc.ToggleVote(context.Background(), sessionFor(voter), "issue-missing")
	if status := domainStatus(t, err); status != 404 {
		t.Fatalf("status = %d, want 404", status)
	}
}

func TestVoteStatusAnonymous(t *testing.T) {
	st := newMemStore()
	seedWards(t, st)
	svc := newTestService(st)
	reporter := seedUser(t, st, string(rbac.RoleCitizen))
	issue := seedIssue(t, st, reporter.ID)

	if _, err := svc.ToggleVote(context.Background(), sessionFor(reporter), issue.ID); err != nil {
		t.Fatalf("ToggleVote: %v", err)
	}

	result, err := svc.VoteStatus(context.Background(), Session{}, issue.ID)
	if err != nil {
		t.Fatalf("VoteStatus: %v", err)
	}
	if result.Voted {
		t.Fatal("anonymous caller should never appear to have voted")
	}
	if result.Votes != 1 {
		t.Fatalf("votes = %d, want 1", result.Votes)
	}
}

func TestVoteStatusMissingIssue(t *testing.T) {
	st := newMemStore()
	svc := newTestService(st)

	_, err := svc.VoteStatus(context.Background(), Session{}, "issue-missing")
	if status := domainStatus(t, err); status != 404 {
		t.Fatalf("status = %d, want 404", status)
	}
}

// Concurrent toggles on one issue must never lose an update: after every
// user lands an odd number of toggles, the counter equals the user count
// and matches the live vote rows.
func TestConcurrentTogglesKeepCounterConsistent(t *testing.T) {
	st := newMemStore()
	seedWards(t, st)
	svc := newTestService(st)
	reporter := seedUser(t, st, string(rbac.RoleCitizen))
	issue := seedIssue(t, st, reporter.ID)

	const users = 24
	const togglesPerUser = 3

	sessions := make([]Session, users)
	for i := range sessions {
		sessions[i] = sessionFor(seedUser(t, st, string(rbac.RoleCitizen)))
	}

	var wg sync.WaitGroup
	errs := make(chan error, users*togglesPerUser)
	for _, session := range sessions {
		wg.Add(1)
		go func(session Session) {
			defer wg.Done()
			for i := 0; i < togglesPerUser; i++ {
				if _, err := svc.ToggleVote(context.Background(), session, issue.ID); err != nil {
					errs <- err
					return
				}
			}
		}(session)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("toggle: %v", err)
	}

	final, err := st.GetIssue(context.Background(), issue.ID)
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if final.Votes != users {
		t.Fatalf("counter = %d, want %d", final.Votes, users)
	}
	if rows := st.voteRows(issue.ID); rows != final.Votes {
		t.Fatalf("counter %d != live rows %d", final.Votes, rows)
	}
}

// Toggles on different issues do not serialize against each other, and
// each issue's counter stays consistent.
func TestConcurrentTogglesAcrossIssues(t *testing.T) {
	st := newMemStore()
	seedWards(t, st)
	svc := newTestService(st)
	reporter := seedUser(t, st, string(rbac.RoleCitizen))

	issues := []string{
		seedIssue(t, st, reporter.ID).ID,
		seedIssue(t, st, reporter.ID).ID,
		seedIssue(t, st, reporter.ID).ID,
	}

	const users = 10
	sessions := make([]Session, users)
	for i := range sessions {
		sessions[i] = sessionFor(seedUser(t, st, string(rbac.RoleCitizen)))
	}

	var wg sync.WaitGroup
	for _, session := range sessions {
		for _, issueID := range issues {
			wg.Add(1)
			go func(session Session, issueID string) {
				defer wg.Done()
				if _, err := svc.ToggleVote(context.Background(), session, issueID); err != nil {
					t.Errorf("toggle %s: %v", issueID, err)
				}
			}(session, issueID)
		}
	}
	wg.Wait()

	for _, issueID := range issues {
		final, err := st.GetIssue(context.Background(), issueID)
		if err != nil {
			t.Fatalf("GetIssue: %v", err)
		}
		if final.Votes != users {
			t.Fatalf("issue %s counter = %d, want %d", issueID, final.Votes, users)
		}
		if rows := st.voteRows(issueID); rows != final.Votes {
			t.Fatalf("issue %s counter %d != rows %d", issueID, final.Votes, rows)
		}
	}
}
