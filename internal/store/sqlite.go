package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/outreach-ai/internal/domain"
	"github.com/ashureev/outreach-ai/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS campaigns (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL,
		target_skills_json TEXT NOT NULL DEFAULT '[]',
		budget REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_campaigns_user ON campaigns(user_id, created_at);

	CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		profile_url TEXT NOT NULL DEFAULT '',
		score REAL NOT NULL DEFAULT 0,
		strengths_json TEXT NOT NULL DEFAULT '[]',
		concerns_json TEXT NOT NULL DEFAULT '[]',
		reasoning TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_contacts_campaign ON contacts(campaign_id);

	CREATE TABLE IF NOT EXISTS agent_sessions (
		session_id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		summary_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_agent_sessions_campaign ON agent_sessions(campaign_id, started_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// withRetry runs fn, retrying with exponential backoff while SQLite reports
// a busy or locked database.
func withRetry(ctx context.Context, op string, fn func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms
		slog.Debug("SQLite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, maxRetries, err)
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, display_name, email, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &user.DisplayName, &user.Email, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, display_name, email, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		display_name = excluded.display_name,
		email = excluded.email,
		updated_at = excluded.updated_at`

	return withRetry(ctx, "upsert user", func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username, user.DisplayName, user.Email,
			user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// CreateCampaign inserts a campaign, assigning an id and timestamps if unset.
func (s *SQLiteStore) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = domain.CampaignDraft
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.TargetSkills == nil {
		c.TargetSkills = []string{}
	}
	skills, err := json.Marshal(c.TargetSkills)
	if err != nil {
		return fmt.Errorf("marshal target skills: %w", err)
	}

	query := `
	INSERT INTO campaigns (id, user_id, name, description, target_skills_json, budget, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	return withRetry(ctx, "create campaign", func() error {
		_, err := s.db.ExecContext(ctx, query,
			c.ID, c.UserID, c.Name, c.Description, string(skills), c.Budget, string(c.Status),
			c.CreatedAt.Unix(), c.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert campaign: %w", err)
		}
		return nil
	})
}

const campaignColumns = `id, user_id, name, description, target_skills_json, budget, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*domain.Campaign, error) {
	var c domain.Campaign
	var skills, status string
	var createdAt, updatedAt int64
	if err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.Description, &skills, &c.Budget, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(skills), &c.TargetSkills); err != nil {
		return nil, fmt.Errorf("decode target skills for %s: %w", c.ID, err)
	}
	c.Status = domain.CampaignStatus(status)
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)
	return &c, nil
}

// GetCampaign retrieves a campaign by id.
func (s *SQLiteStore) GetCampaign(ctx context.Context, campaignID string) (*domain.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, campaignID)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan campaign row: %w", err)
	}
	return c, nil
}

// ListCampaigns returns the user's campaigns, newest first.
func (s *SQLiteStore) ListCampaigns(ctx context.Context, userID string) ([]*domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close campaign rows", "error", closeErr)
		}
	}()

	campaigns := []*domain.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign row: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate campaigns: %w", err)
	}
	return campaigns, nil
}

// UpdateCampaignStatus sets the status of a campaign.
func (s *SQLiteStore) UpdateCampaignStatus(ctx context.Context, campaignID string, status domain.CampaignStatus) (*domain.Campaign, error) {
	err := withRetry(ctx, "update campaign status", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), time.Now().Unix(), campaignID)
		if err != nil {
			return fmt.Errorf("update campaign status: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("campaign %s: %w", campaignID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetCampaign(ctx, campaignID)
}

// CreateContacts inserts a batch of contacts in one transaction.
func (s *SQLiteStore) CreateContacts(ctx context.Context, campaignID string, contacts []domain.Contact) ([]domain.Contact, error) {
	if len(contacts) == 0 {
		return []domain.Contact{}, nil
	}

	created := make([]domain.Contact, len(contacts))
	err := withRetry(ctx, "create contacts", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO contacts (id, campaign_id, name, role, description, email, profile_url,
				score, strengths_json, concerns_json, reasoning, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		now := time.Now()
		for i, c := range contacts {
			c.ID = uuid.NewString()
			c.CampaignID = campaignID
			c.CreatedAt = now
			if c.Strengths == nil {
				c.Strengths = []string{}
			}
			if c.Concerns == nil {
				c.Concerns = []string{}
			}
			strengths, err := json.Marshal(c.Strengths)
			if err != nil {
				return fmt.Errorf("marshal strengths: %w", err)
			}
			concerns, err := json.Marshal(c.Concerns)
			if err != nil {
				return fmt.Errorf("marshal concerns: %w", err)
			}
			if _, err := stmt.ExecContext(ctx,
				c.ID, c.CampaignID, c.Name, c.Role, c.Description, c.Email, c.ProfileURL,
				c.Score, string(strengths), string(concerns), c.Reasoning, now.Unix(),
			); err != nil {
				return fmt.Errorf("insert contact %d: %w", i, err)
			}
			created[i] = c
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit contacts: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ListContacts returns all contacts of a campaign in insertion order.
func (s *SQLiteStore) ListContacts(ctx context.Context, campaignID string) ([]domain.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, name, role, description, email, profile_url,
		       score, strengths_json, concerns_json, reasoning, created_at
		FROM contacts WHERE campaign_id = ? ORDER BY rowid`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close contact rows", "error", closeErr)
		}
	}()

	contacts := []domain.Contact{}
	for rows.Next() {
		var c domain.Contact
		var strengths, concerns string
		var createdAt int64
		if err := rows.Scan(
			&c.ID, &c.CampaignID, &c.Name, &c.Role, &c.Description, &c.Email, &c.ProfileURL,
			&c.Score, &strengths, &concerns, &c.Reasoning, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan contact row: %w", err)
		}
		if err := json.Unmarshal([]byte(strengths), &c.Strengths); err != nil {
			return nil, fmt.Errorf("decode strengths for %s: %w", c.ID, err)
		}
		if err := json.Unmarshal([]byte(concerns), &c.Concerns); err != nil {
			return nil, fmt.Errorf("decode concerns for %s: %w", c.ID, err)
		}
		c.CreatedAt = time.Unix(createdAt, 0)
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return contacts, nil
}

// RecordAgentSession stores a newly started agent session.
func (s *SQLiteStore) RecordAgentSession(ctx context.Context, session *domain.AgentSession) error {
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now()
	}
	return withRetry(ctx, "record agent session", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_sessions (session_id, campaign_id, user_id, started_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id) DO NOTHING`,
			session.SessionID, session.CampaignID, session.UserID, session.StartedAt.Unix())
		if err != nil {
			return fmt.Errorf("insert agent session: %w", err)
		}
		return nil
	})
}

// EndAgentSession marks a session ended and stores its final summary.
func (s *SQLiteStore) EndAgentSession(ctx context.Context, sessionID string, summary *domain.Summary) error {
	var summaryJSON any
	if summary != nil {
		data, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("marshal summary: %w", err)
		}
		summaryJSON = string(data)
	}
	return withRetry(ctx, "end agent session", func() error {
		result, err := s.db.ExecContext(ctx, `
			UPDATE agent_sessions SET ended_at = ?, summary_json = COALESCE(?, summary_json)
			WHERE session_id = ?`,
			time.Now().Unix(), summaryJSON, sessionID)
		if err != nil {
			return fmt.Errorf("end agent session: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("agent session %s: %w", sessionID, ErrNotFound)
		}
		return nil
	})
}

// ListAgentSessions returns the sessions started for a campaign, newest first.
func (s *SQLiteStore) ListAgentSessions(ctx context.Context, campaignID string) ([]*domain.AgentSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, campaign_id, user_id, started_at, ended_at, summary_json
		FROM agent_sessions WHERE campaign_id = ? ORDER BY started_at DESC, rowid DESC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query agent sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close agent session rows", "error", closeErr)
		}
	}()

	sessions := []*domain.AgentSession{}
	for rows.Next() {
		var as domain.AgentSession
		var startedAt int64
		var endedAt sql.NullInt64
		var summary sql.NullString
		if err := rows.Scan(&as.SessionID, &as.CampaignID, &as.UserID, &startedAt, &endedAt, &summary); err != nil {
			return nil, fmt.Errorf("scan agent session row: %w", err)
		}
		as.StartedAt = time.Unix(startedAt, 0)
		if endedAt.Valid {
			ts := time.Unix(endedAt.Int64, 0)
			as.EndedAt = &ts
		}
		if summary.Valid {
			as.SummaryJSON = &summary.String
		}
		sessions = append(sessions, &as)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent sessions: %w", err)
	}
	return sessions, nil
}

// Ensure SQLiteStore implements Repository.
var _ Repository = (*SQLiteStore)(nil)
