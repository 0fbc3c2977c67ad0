package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Users ──

const userColumns = `id, display_name, email, password_hash, role, is_email_verified, created_at, updated_at`

func scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(
		&user.ID,
		&user.DisplayName,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.IsEmailVerified,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	return user, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, is_email_verified, verification_token)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, NULLIF($7, ''))
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = LOWER($1)`, email)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	return scanUser(row)
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1
			AND (verification_expires_at IS NULL OR verification_expires_at > NOW())
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// ── Password resets ──

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// ── Refresh sessions / token revocation ──

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ── Issues ──

const issueColumns = `id, title, description, category, status, ward, location, COALESCE(photo_url, ''), reported_by, votes, created_at, resolved_at, updated_at`

func scanIssueRow(scan func(...any) error) (Issue, error) {
	var item Issue
	err := scan(
		&item.ID,
		&item.Title,
		&item.Description,
		&item.Category,
		&item.Status,
		&item.Ward,
		&item.Location,
		&item.PhotoURL,
		&item.ReportedBy,
		&item.Votes,
		&item.CreatedAt,
		&item.ResolvedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) InsertIssue(ctx context.Context, item Issue) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issues (id, title, description, category, status, ward, location, photo_url, reported_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)
	`, item.ID, item.Title, item.Description, item.Category, item.Status, item.Ward, item.Location, item.PhotoURL, item.ReportedBy)
	if err != nil {
		return fmt.Errorf("insert issue: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIssue(ctx context.Context, issueID string) (Issue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=$1`, issueID)
	return scanIssueRow(row.Scan)
}

func (s *PostgresStore) ListIssues(ctx context.Context, filter IssueFilter) ([]Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues`
	var conditions []string
	var args []any
	addCondition := func(column, value string) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.Status != "" {
		addCondition("status", filter.Status)
	}
	if filter.Category != "" {
		addCondition("category", filter.Category)
	}
	if filter.Ward != "" {
		addCondition("ward", filter.Ward)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	items := make([]Issue, 0)
	for rows.Next() {
		item, err := scanIssueRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return items, nil
}

// ListAllIssues returns the full issue snapshot used by analytics.
func (s *PostgresStore) ListAllIssues(ctx context.Context) ([]Issue, error) {
	return s.ListIssues(ctx, IssueFilter{})
}

// UpdateIssueStatus transitions an issue's status. Resolving stamps
// resolved_at once; moving away from resolved clears it.
func (s *PostgresStore) UpdateIssueStatus(ctx context.Context, issueID, status string) (Issue, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE issues
		SET status=$2,
			resolved_at = CASE WHEN $2 = 'resolved' THEN COALESCE(resolved_at, NOW()) ELSE NULL END,
			updated_at = NOW()
		WHERE id=$1
		RETURNING `+issueColumns+`
	`, issueID, status)
	return scanIssueRow(row.Scan)
}

func (s *PostgresStore) SetIssuePhoto(ctx context.Context, issueID, photoURL string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE issues SET photo_url=$2, updated_at=NOW() WHERE id=$1
	`, issueID, photoURL)
	if err != nil {
		return fmt.Errorf("set issue photo: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set issue photo: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteIssue(ctx context.Context, issueID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM issues WHERE id=$1`, issueID)
	if err != nil {
		return fmt.Errorf("delete issue: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete issue: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ── Votes ──

func (s *PostgresStore) FindVote(ctx context.Context, userID, issueID string) (*Vote, error) {
	var vote Vote
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, issue_id, created_at FROM votes WHERE user_id=$1 AND issue_id=$2
	`, userID, issueID).Scan(&vote.ID, &vote.UserID, &vote.IssueID, &vote.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find vote: %w", err)
	}
	return &vote, nil
}

func (s *PostgresStore) InsertVote(ctx context.Context, vote Vote) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO votes (id, user_id, issue_id) VALUES ($1, $2, $3)
	`, vote.ID, vote.UserID, vote.IssueID)
	if err != nil {
		return fmt.Errorf("insert vote: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteVote(ctx context.Context, voteID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM votes WHERE id=$1`, voteID)
	if err != nil {
		return fmt.Errorf("delete vote: %w", err)
	}
	return nil
}

// IncrementIssueVotes bumps the denormalized counter atomically and
// returns the new value.
func (s *PostgresStore) IncrementIssueVotes(ctx context.Context, issueID string) (int, error) {
	var votes int
	err := s.db.QueryRowContext(ctx, `
		UPDATE issues SET votes = votes + 1, updated_at=NOW() WHERE id=$1 RETURNING votes
	`, issueID).Scan(&votes)
	if err != nil {
		return 0, fmt.Errorf("increment votes: %w", err)
	}
	return votes, nil
}

func (s *PostgresStore) DecrementIssueVotes(ctx context.Context, issueID string) (int, error) {
	var votes int
	err := s.db.QueryRowContext(ctx, `
		UPDATE issues SET votes = GREATEST(votes - 1, 0), updated_at=NOW() WHERE id=$1 RETURNING votes
	`, issueID).Scan(&votes)
	if err != nil {
		return 0, fmt.Errorf("decrement votes: %w", err)
	}
	return votes, nil
}

// ── Wards ──

func (s *PostgresStore) ListWards(ctx context.Context) ([]Ward, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT slug, name, created_at FROM wards ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("list wards: %w", err)
	}
	defer rows.Close()

	items := make([]Ward, 0)
	for rows.Next() {
		var item Ward
		if err := rows.Scan(&item.Slug, &item.Name, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ward: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wards: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertWard(ctx context.Context, ward Ward) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wards (slug, name) VALUES ($1, $2) ON CONFLICT (slug) DO NOTHING
	`, ward.Slug, ward.Name)
	if err != nil {
		return fmt.Errorf("insert ward: %w", err)
	}
	return nil
}
