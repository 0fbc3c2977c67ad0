// Package app holds the service layer and HTTP boundary for the
// CityPulse API.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"citypulse/api/internal/analytics"
	"citypulse/api/internal/auth"
	"citypulse/api/internal/authpw"
	"citypulse/api/internal/config"
	"citypulse/api/internal/email"
	"citypulse/api/internal/export"
	"citypulse/api/internal/rbac"
	"citypulse/api/internal/search"
	"citypulse/api/internal/store"
	"citypulse/api/internal/util"
	"golang.org/x/crypto/bcrypt"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type CreateIssueInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Ward        string `json:"ward"`
	Location    string `json:"location"`
}

type UpdateIssueStatusInput struct {
	Status string `json:"status"`
}

var allowedCategories = map[string]struct{}{
	"road":        {},
	"water":       {},
	"sanitation":  {},
	"electricity": {},
	"other":       {},
}

var allowedStatuses = map[string]struct{}{
	analytics.StatusOpen:       {},
	analytics.StatusInProgress: {},
	analytics.StatusResolved:   {},
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	CountUsers(context.Context) (int, error)
	UpdateUserVerificationToken(context.Context, string, string, time.Time) error
	VerifyUserEmail(context.Context, string) error
	UpdateUserPassword(context.Context, string, string) error
	CreatePasswordReset(context.Context, string, string, time.Time) error
	GetPasswordReset(context.Context, string) (string, error)
	MarkPasswordResetUsed(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	InsertIssue(context.Context, store.Issue) error
	GetIssue(context.Context, string) (store.Issue, error)
	ListIssues(context.Context, store.IssueFilter) ([]store.Issue, error)
	ListAllIssues(context.Context) ([]store.Issue, error)
	UpdateIssueStatus(context.Context, string, string) (store.Issue, error)
	SetIssuePhoto(context.Context, string, string) error
	DeleteIssue(context.Context, string) error
	FindVote(context.Context, string, string) (*store.Vote, error)
	InsertVote(context.Context, store.Vote) error
	DeleteVote(context.Context, string) error
	IncrementIssueVotes(context.Context, string) (int, error)
	DecrementIssueVotes(context.Context, string) (int, error)
	ListWards(context.Context) ([]store.Ward, error)
	InsertWard(context.Context, store.Ward) error
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (string, error)
	RevokeRefreshSession(context.Context, string) error
	Ping(ctx context.Context) error
}

// sessionStore holds refresh sessions; Redis when configured, the
// Postgres store otherwise.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type issueIndex interface {
	Search(q search.Query) search.Response
	IndexIssue(rec search.IssueRecord)
	DeleteIssue(id string)
}

type photoStore interface {
	UploadIssuePhoto(ctx context.Context, issueID, contentType string, body io.Reader, size int64) (string, error)
	PhotoURL(ctx context.Context, object string, expiry time.Duration) (string, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	authpw   *authpw.Service
	index    issueIndex
	photos   photoStore
	email    *email.Service

	mu         sync.Mutex
	issueLocks map[string]*sync.Mutex
}

func New(cfg config.Config, dataStore *store.PostgresStore) *Service {
	return &Service{
		cfg:        cfg,
		store:      dataStore,
		sessions:   dataStore,
		authpw:     authpw.NewService(dataStore),
		issueLocks: make(map[string]*sync.Mutex),
	}
}

// UseSessionStore swaps the refresh-session backend (Redis).
func (s *Service) UseSessionStore(sessions sessionStore) {
	s.sessions = sessions
}

// UseSearch wires the full-text search facade.
func (s *Service) UseSearch(index issueIndex) {
	s.index = index
}

// UsePhotoStore wires the photo object store.
func (s *Service) UsePhotoStore(photos photoStore) {
	s.photos = photos
}

// UseEmail wires the outbound mail service.
func (s *Service) UseEmail(mail *email.Service) {
	s.email = mail
}

// Auth exposes the password-auth service to the HTTP layer.
func (s *Service) Auth() *authpw.Service {
	return s.authpw
}

// SMTPConfigured reports whether outbound email is available.
func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

// Mail returns the email service, nil when not wired.
func (s *Service) Mail() *email.Service {
	return s.email
}

// Bootstrap seeds wards and the admin account on an empty database.
func (s *Service) Bootstrap(ctx context.Context) error {
	wards, err := s.store.ListWards(ctx)
	if err != nil {
		return err
	}
	if len(wards) == 0 {
		seeds := []store.Ward{
			{Slug: "central", Name: "Central Ward"},
			{Slug: "north", Name: "North Ward"},
			{Slug: "south", Name: "South Ward"},
			{Slug: "east", Name: "East Ward"},
			{Slug: "west", Name: "West Ward"},
		}
		for _, ward := range seeds {
			if err := s.store.InsertWard(ctx, ward); err != nil {
				return err
			}
		}
	}

	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	password := s.cfg.AdminPassword
	if password == "" {
		password = util.NewID("adm")
		log.Printf("bootstrap: generated admin password for %s: %s", s.cfg.AdminEmail, password)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	return s.store.CreateUser(ctx, store.User{
		ID:              util.NewID("user"),
		DisplayName:     "City Administrator",
		Email:           s.cfg.AdminEmail,
		PasswordHash:    string(hash),
		Role:            string(rbac.RoleAdmin),
		IsEmailVerified: true,
	})
}

func (s *Service) CreateSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, errUnauthorized("invalid refresh token")
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, errUnauthorized("invalid refresh token")
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.CreateSession(ctx, user)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CreateIssue validates and stores a new citizen report, then indexes
// it for search.
func (s *Service) CreateIssue(ctx context.Context, session Session, input CreateIssueInput) (map[string]any, error) {
	if session.UserID == "" {
		return nil, errUnauthorized("sign in to report an issue")
	}
	if !s.Can(session.Role, rbac.ActionReport) {
		return nil, errForbidden("role cannot report issues")
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, errValidation("title is required", nil)
	}
	category := strings.ToLower(strings.TrimSpace(input.Category))
	if _, ok := allowedCategories[category]; !ok {
		return nil, errValidation("invalid category", map[string]any{"allowed": categoryList()})
	}
	ward := strings.ToLower(strings.TrimSpace(input.Ward))
	if err := s.validateWard(ctx, ward); err != nil {
		return nil, err
	}

	issue := store.Issue{
		ID:          util.NewID("issue"),
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Category:    category,
		Status:      analytics.StatusOpen,
		Ward:        ward,
		Location:    strings.TrimSpace(input.Location),
		ReportedBy:  session.UserID,
	}
	if err := s.store.InsertIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("insert issue: %w", err)
	}

	created, err := s.store.GetIssue(ctx, issue.ID)
	if err != nil {
		return nil, fmt.Errorf("load issue: %w", err)
	}
	s.indexIssue(created)

	voted := false
	return s.issueView(ctx, created, &voted), nil
}

// ListIssues returns issues matching the filter, decorated with the
// caller's vote when authenticated.
func (s *Service) ListIssues(ctx context.Context, session Session, filter store.IssueFilter) ([]map[string]any, error) {
	if filter.Status != "" {
		if _, ok := allowedStatuses[filter.Status]; !ok {
			return nil, errValidation("invalid status filter", nil)
		}
	}
	if filter.Category != "" {
		if _, ok := allowedCategories[filter.Category]; !ok {
			return nil, errValidation("invalid category filter", nil)
		}
	}
	issues, err := s.store.ListIssues(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}

	items := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		var myVote *bool
		if session.UserID != "" {
			vote, err := s.store.FindVote(ctx, session.UserID, issue.ID)
			if err != nil {
				return nil, fmt.Errorf("find vote: %w", err)
			}
			voted := vote != nil
			myVote = &voted
		}
		items = append(items, s.issueView(ctx, issue, myVote))
	}
	return items, nil
}

func (s *Service) GetIssue(ctx context.Context, session Session, issueID string) (map[string]any, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("issue not found")
		}
		return nil, fmt.Errorf("load issue: %w", err)
	}
	var myVote *bool
	if session.UserID != "" {
		vote, err := s.store.FindVote(ctx, session.UserID, issueID)
		if err != nil {
			return nil, fmt.Errorf("find vote: %w", err)
		}
		voted := vote != nil
		myVote = &voted
	}
	return s.issueView(ctx, issue, myVote), nil
}

// UpdateIssueStatus transitions an issue's lifecycle state. Resolving
// stamps resolvedAt; moving off resolved clears it. The reporter gets a
// best-effort notification email.
func (s *Service) UpdateIssueStatus(ctx context.Context, session Session, issueID string, input UpdateIssueStatusInput) (map[string]any, error) {
	if session.UserID == "" {
		return nil, errUnauthorized("sign in required")
	}
	if !s.Can(session.Role, rbac.ActionModerate) {
		return nil, errForbidden("only admins and authorities can change issue status")
	}
	status := strings.ToLower(strings.TrimSpace(input.Status))
	if _, ok := allowedStatuses[status]; !ok {
		return nil, errValidation("status must be one of open, in-progress, resolved", nil)
	}

	issue, err := s.store.UpdateIssueStatus(ctx, issueID, status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("issue not found")
		}
		return nil, fmt.Errorf("update issue status: %w", err)
	}
	s.indexIssue(issue)
	s.notifyStatusChange(ctx, issue)

	return s.issueView(ctx, issue, nil), nil
}

func (s *Service) notifyStatusChange(ctx context.Context, issue store.Issue) {
	if !s.SMTPConfigured() || issue.ReportedBy == "" {
		return
	}
	reporter, err := s.store.GetUserByID(ctx, issue.ReportedBy)
	if err != nil {
		return
	}
	issueURL := strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/issues/" + issue.ID
	go func() {
		if err := s.email.SendStatusUpdateEmail(reporter.Email, reporter.DisplayName, issue.Title, issue.Status, issueURL); err != nil {
			log.Printf("email: status update for %s: %v", issue.ID, err)
		}
	}()
}

// DeleteIssue removes an issue. Reporters may delete their own issue
// while it has no votes; admins may delete any issue.
func (s *Service) DeleteIssue(ctx context.Context, session Session, issueID string) error {
	if session.UserID == "" {
		return errUnauthorized("sign in required")
	}
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("issue not found")
		}
		return fmt.Errorf("load issue: %w", err)
	}

	isAdmin := s.Can(session.Role, rbac.ActionAdmin)
	if !isAdmin {
		if issue.ReportedBy != session.UserID {
			return errForbidden("only the reporter or an admin can delete an issue")
		}
		if issue.Votes > 0 {
			return errForbidden("issues with votes cannot be deleted by the reporter")
		}
	}

	if err := s.store.DeleteIssue(ctx, issueID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("issue not found")
		}
		return fmt.Errorf("delete issue: %w", err)
	}
	if s.index != nil {
		s.index.DeleteIssue(issueID)
	}
	return nil
}

// AttachPhoto uploads a photo for an issue and records its object key.
// Only the reporter or a moderator may attach photos.
func (s *Service) AttachPhoto(ctx context.Context, session Session, issueID, contentType string, body io.Reader, size int64) (map[string]any, error) {
	if session.UserID == "" {
		return nil, errUnauthorized("sign in required")
	}
	if s.photos == nil {
		return nil, domainError(503, "PHOTOS_UNAVAILABLE", "photo storage is not configured", nil)
	}
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("issue not found")
		}
		return nil, fmt.Errorf("load issue: %w", err)
	}
	if issue.ReportedBy != session.UserID && !s.Can(session.Role, rbac.ActionModerate) {
		return nil, errForbidden("only the reporter or a moderator can attach photos")
	}

	object, err := s.photos.UploadIssuePhoto(ctx, issueID, contentType, body, size)
	if err != nil {
		return nil, errValidation(err.Error(), nil)
	}
	if err := s.store.SetIssuePhoto(ctx, issueID, object); err != nil {
		return nil, fmt.Errorf("save photo key: %w", err)
	}
	issue.PhotoURL = object
	return s.issueView(ctx, issue, nil), nil
}

// SearchIssues runs the full-text facade; without a search backend it
// falls back to a plain filtered listing.
func (s *Service) SearchIssues(ctx context.Context, q search.Query) (search.Response, error) {
	if s.index != nil {
		return s.index.Search(q), nil
	}
	issues, err := s.store.ListIssues(ctx, store.IssueFilter{
		Category: q.Category,
		Ward:     q.Ward,
		Status:   q.Status,
		Limit:    q.Limit,
		Offset:   q.Offset,
	})
	if err != nil {
		return search.Response{}, fmt.Errorf("list issues: %w", err)
	}
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	results := make([]search.Result, 0, len(issues))
	for _, issue := range issues {
		if needle != "" &&
			!strings.Contains(strings.ToLower(issue.Title), needle) &&
			!strings.Contains(strings.ToLower(issue.Description), needle) {
			continue
		}
		results = append(results, search.Result{
			ID:       issue.ID,
			Title:    issue.Title,
			Snippet:  issue.Description,
			Category: issue.Category,
			Ward:     issue.Ward,
			Status:   issue.Status,
		})
	}
	return search.Response{Results: results, Total: len(results), Query: q.Text}, nil
}

// Dashboard computes admin dashboard stats. Requires analytics access.
func (s *Service) Dashboard(ctx context.Context, session Session) (analytics.DashboardStats, error) {
	if session.UserID == "" {
		return analytics.DashboardStats{}, errUnauthorized("sign in required")
	}
	if !s.Can(session.Role, rbac.ActionAnalytics) {
		return analytics.DashboardStats{}, errForbidden("analytics requires admin or authority role")
	}
	issues, err := s.store.ListAllIssues(ctx)
	if err != nil {
		return analytics.DashboardStats{}, fmt.Errorf("list issues: %w", err)
	}
	return analytics.Dashboard(issues, time.Now()), nil
}

// PublicStats computes the anonymized transparency summary. No auth.
func (s *Service) PublicStats(ctx context.Context) (analytics.PublicStats, error) {
	issues, err := s.store.ListAllIssues(ctx)
	if err != nil {
		return analytics.PublicStats{}, fmt.Errorf("list issues: %w", err)
	}
	userCount, err := s.store.CountUsers(ctx)
	if err != nil {
		return analytics.PublicStats{}, fmt.Errorf("count users: %w", err)
	}
	return analytics.Public(issues, userCount), nil
}

// ImpactReport computes the ward-by-ward report over an optional
// inclusive date range. Requires analytics access.
func (s *Service) ImpactReport(ctx context.Context, session Session, start, end string) (analytics.ImpactReport, error) {
	if session.UserID == "" {
		return analytics.ImpactReport{}, errUnauthorized("sign in required")
	}
	if !s.Can(session.Role, rbac.ActionAnalytics) {
		return analytics.ImpactReport{}, errForbidden("analytics requires admin or authority role")
	}
	if (start == "") != (end == "") {
		return analytics.ImpactReport{}, errValidation("start and end must be supplied together", nil)
	}

	issues, err := s.store.ListAllIssues(ctx)
	if err != nil {
		return analytics.ImpactReport{}, fmt.Errorf("list issues: %w", err)
	}
	wards, err := s.store.ListWards(ctx)
	if err != nil {
		return analytics.ImpactReport{}, fmt.Errorf("list wards: %w", err)
	}
	slugs := make([]string, 0, len(wards))
	for _, ward := range wards {
		slugs = append(slugs, ward.Slug)
	}

	var dateRange *analytics.DateRange
	if start != "" {
		dateRange = &analytics.DateRange{Start: start, End: end}
	}
	report, err := analytics.Impact(issues, slugs, dateRange)
	if err != nil {
		if errors.Is(err, analytics.ErrInvalidDateRange) {
			return analytics.ImpactReport{}, errValidation("start and end must be YYYY-MM-DD with start <= end", nil)
		}
		return analytics.ImpactReport{}, err
	}
	return report, nil
}

// ExportImpactReport renders the impact report as an HTML or PDF file.
func (s *Service) ExportImpactReport(ctx context.Context, session Session, start, end string, format export.Format) (*export.Result, error) {
	report, err := s.ImpactReport(ctx, session, start, end)
	if err != nil {
		return nil, err
	}
	switch format {
	case export.FormatPDF:
		return export.RenderImpactPDF(report, time.Now())
	case export.FormatHTML:
		return export.RenderImpactHTML(report, time.Now())
	default:
		return nil, errValidation("format must be html or pdf", nil)
	}
}

// ListWards returns the ward enumeration for report scaffolding and
// submission forms.
func (s *Service) ListWards(ctx context.Context) ([]map[string]any, error) {
	wards, err := s.store.ListWards(ctx)
	if err != nil {
		return nil, fmt.Errorf("list wards: %w", err)
	}
	items := make([]map[string]any, 0, len(wards))
	for _, ward := range wards {
		items = append(items, map[string]any{
			"slug": ward.Slug,
			"name": ward.Name,
		})
	}
	return items, nil
}

func (s *Service) validateWard(ctx context.Context, slug string) error {
	if slug == "" {
		return errValidation("ward is required", nil)
	}
	wards, err := s.store.ListWards(ctx)
	if err != nil {
		return fmt.Errorf("list wards: %w", err)
	}
	for _, ward := range wards {
		if ward.Slug == slug {
			return nil
		}
	}
	return errValidation("unknown ward", map[string]any{"ward": slug})
}

func (s *Service) indexIssue(issue store.Issue) {
	if s.index == nil {
		return
	}
	s.index.IndexIssue(search.IssueRecord{
		ID:          issue.ID,
		Title:       issue.Title,
		Description: issue.Description,
		Category:    issue.Category,
		Ward:        issue.Ward,
		Status:      issue.Status,
		Location:    issue.Location,
	})
}

func (s *Service) issueView(ctx context.Context, issue store.Issue, myVote *bool) map[string]any {
	view := map[string]any{
		"id":          issue.ID,
		"title":       issue.Title,
		"description": issue.Description,
		"category":    issue.Category,
		"status":      issue.Status,
		"ward":        issue.Ward,
		"location":    issue.Location,
		"votes":       issue.Votes,
		"reportedBy":  issue.ReportedBy,
		"createdAt":   issue.CreatedAt.UTC().Format(time.RFC3339),
	}
	if issue.ResolvedAt != nil {
		view["resolvedAt"] = issue.ResolvedAt.UTC().Format(time.RFC3339)
	}
	if issue.PhotoURL != "" {
		view["photoUrl"] = s.resolvePhotoURL(ctx, issue.PhotoURL)
	}
	if myVote != nil {
		view["myVote"] = *myVote
	}
	return view
}

func (s *Service) resolvePhotoURL(ctx context.Context, object string) string {
	if s.photos == nil {
		return object
	}
	url, err := s.photos.PhotoURL(ctx, object, time.Hour)
	if err != nil {
		log.Printf("media: presign %s: %v", object, err)
		return object
	}
	return url
}

func categoryList() []string {
	categories := make([]string, 0, len(allowedCategories))
	for category := range allowedCategories {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	return categories
}
