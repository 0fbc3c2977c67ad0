package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Issue is a citizen-reported civic issue. Votes is the denormalized
// counter kept consistent with live vote rows by the vote aggregator.
type Issue struct {
	ID          string
	Title       string
	Description string
	Category    string
	Status      string
	Ward        string
	Location    string
	PhotoURL    string
	ReportedBy  string
	Votes       int
	CreatedAt   time.Time
	ResolvedAt  *time.Time
	UpdatedAt   time.Time
}

// Vote is a live vote row; at most one exists per (user, issue) pair.
type Vote struct {
	ID        string
	UserID    string
	IssueID   string
	CreatedAt time.Time
}

type Ward struct {
	Slug      string
	Name      string
	CreatedAt time.Time
}

// IssueFilter narrows ListIssues. Zero values mean "no filter".
type IssueFilter struct {
	Status   string
	Category string
	Ward     string
	Limit    int
	Offset   int
}
