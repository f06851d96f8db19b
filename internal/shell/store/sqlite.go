package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/skylift/skylift/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Row Mapping
// =============================================================================

// deploymentRow represents a deployment row in the database.
type deploymentRow struct {
	ID              string  `db:"id"`
	UserID          string  `db:"user_id"`
	RepoURL         string  `db:"repo_url"`
	RepoName        string  `db:"repo_name"`
	Target          string  `db:"target"`
	Status          string  `db:"status"`
	Revision        int     `db:"revision"`
	Hostname        string  `db:"hostname"`
	URL             string  `db:"url"`
	Refs            string  `db:"refs"`
	ErrorMessage    string  `db:"error_message"`
	CreatedAt       string  `db:"created_at"`
	UpdatedAt       string  `db:"updated_at"`
	FirstDeployedAt *string `db:"first_deployed_at"`
	LastDeployedAt  *string `db:"last_deployed_at"`
}

func toDeploymentRow(record *domain.DeploymentRecord) (*deploymentRow, error) {
	refs, err := json.Marshal(record.Refs)
	if err != nil {
		return nil, NewStoreError("toDeploymentRow", "deployment", record.ID, "failed to marshal refs", ErrInvalidData)
	}
	row := &deploymentRow{
		ID:           record.ID,
		UserID:       record.UserID,
		RepoURL:      record.RepoURL,
		RepoName:     record.RepoName,
		Target:       string(record.Target),
		Status:       string(record.Status),
		Revision:     record.Revision,
		Hostname:     record.Hostname,
		URL:          record.URL,
		Refs:         string(refs),
		ErrorMessage: record.ErrorMessage,
		CreatedAt:    record.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:    record.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if record.FirstDeployedAt != nil {
		v := record.FirstDeployedAt.UTC().Format(time.RFC3339Nano)
		row.FirstDeployedAt = &v
	}
	if record.LastDeployedAt != nil {
		v := record.LastDeployedAt.UTC().Format(time.RFC3339Nano)
		row.LastDeployedAt = &v
	}
	return row, nil
}

func fromDeploymentRow(row *deploymentRow) (*domain.DeploymentRecord, error) {
	record := &domain.DeploymentRecord{
		ID:           row.ID,
		UserID:       row.UserID,
		RepoURL:      row.RepoURL,
		RepoName:     row.RepoName,
		Target:       domain.TargetPlatform(row.Target),
		Status:       domain.DeploymentStatus(row.Status),
		Revision:     row.Revision,
		Hostname:     row.Hostname,
		URL:          row.URL,
		ErrorMessage: row.ErrorMessage,
	}
	if err := json.Unmarshal([]byte(row.Refs), &record.Refs); err != nil {
		return nil, NewStoreError("fromDeploymentRow", "deployment", row.ID, "failed to unmarshal refs", ErrInvalidData)
	}
	record.CreatedAt = parseTime(row.CreatedAt)
	record.UpdatedAt = parseTime(row.UpdatedAt)
	if row.FirstDeployedAt != nil {
		t := parseTime(*row.FirstDeployedAt)
		record.FirstDeployedAt = &t
	}
	if row.LastDeployedAt != nil {
		t := parseTime(*row.LastDeployedAt)
		record.LastDeployedAt = &t
	}
	return record, nil
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

// =============================================================================
// Deployment Operations
// =============================================================================

// GetDeployment retrieves a deployment by ID.
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.DeploymentRecord, error) {
	var row deploymentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM deployments WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewStoreError("GetDeployment", "deployment", id, "not found", ErrNotFound)
	}
	if err != nil {
		return nil, NewStoreError("GetDeployment", "deployment", id, err.Error(), err)
	}
	return fromDeploymentRow(&row)
}

// GetDeploymentByRepo retrieves a user's deployment of a repository, so a
// repeat deploy of the same repo becomes a redeploy of the same record.
func (s *SQLiteStore) GetDeploymentByRepo(ctx context.Context, userID, repoURL string) (*domain.DeploymentRecord, error) {
	var row deploymentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM deployments WHERE user_id = ? AND repo_url = ?`, userID, repoURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewStoreError("GetDeploymentByRepo", "deployment", repoURL, "not found", ErrNotFound)
	}
	if err != nil {
		return nil, NewStoreError("GetDeploymentByRepo", "deployment", repoURL, err.Error(), err)
	}
	return fromDeploymentRow(&row)
}

// UpsertDeployment creates the record or updates it in place.
func (s *SQLiteStore) UpsertDeployment(ctx context.Context, record *domain.DeploymentRecord) error {
	row, err := toDeploymentRow(record)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO deployments (
			id, user_id, repo_url, repo_name, target, status, revision,
			hostname, url, refs, error_message, created_at, updated_at,
			first_deployed_at, last_deployed_at
		) VALUES (
			:id, :user_id, :repo_url, :repo_name, :target, :status, :revision,
			:hostname, :url, :refs, :error_message, :created_at, :updated_at,
			:first_deployed_at, :last_deployed_at
		)
		ON CONFLICT(id) DO UPDATE SET
			target = excluded.target,
			status = excluded.status,
			revision = excluded.revision,
			hostname = excluded.hostname,
			url = excluded.url,
			refs = excluded.refs,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at,
			first_deployed_at = excluded.first_deployed_at,
			last_deployed_at = excluded.last_deployed_at`, row)
	if err != nil {
		return NewStoreError("UpsertDeployment", "deployment", record.ID, err.Error(), err)
	}
	return nil
}

// DeleteDeployment removes the record and its history.
func (s *SQLiteStore) DeleteDeployment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, id)
	if err != nil {
		return NewStoreError("DeleteDeployment", "deployment", id, err.Error(), err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return NewStoreError("DeleteDeployment", "deployment", id, "not found", ErrNotFound)
	}
	return nil
}

// ListForUser returns a user's deployments, newest first.
func (s *SQLiteStore) ListForUser(ctx context.Context, userID string) ([]domain.DeploymentRecord, error) {
	var rows []deploymentRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM deployments WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, NewStoreError("ListForUser", "deployment", userID, err.Error(), err)
	}
	records := make([]domain.DeploymentRecord, 0, len(rows))
	for i := range rows {
		record, err := fromDeploymentRow(&rows[i])
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, nil
}

// =============================================================================
// History Operations
// =============================================================================

// AppendHistory persists one progress event for a deployment.
func (s *SQLiteStore) AppendHistory(ctx context.Context, deploymentID string, event domain.ProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return NewStoreError("AppendHistory", "history", deploymentID, "failed to marshal event", ErrInvalidData)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deployment_history (deployment_id, kind, step_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		deploymentID, string(event.Kind), event.StepID, string(payload),
		event.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return NewStoreError("AppendHistory", "history", deploymentID, "deployment does not exist", ErrNotFound)
		}
		return NewStoreError("AppendHistory", "history", deploymentID, err.Error(), err)
	}
	return nil
}

// GetHistory returns the most recent events for a deployment in
// chronological order.
func (s *SQLiteStore) GetHistory(ctx context.Context, deploymentID string, limit int) ([]domain.ProgressEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	var payloads []string
	err := s.db.SelectContext(ctx, &payloads, `
		SELECT payload FROM (
			SELECT id, payload FROM deployment_history
			WHERE deployment_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, deploymentID, limit)
	if err != nil {
		return nil, NewStoreError("GetHistory", "history", deploymentID, err.Error(), err)
	}
	events := make([]domain.ProgressEvent, 0, len(payloads))
	for _, payload := range payloads {
		var event domain.ProgressEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return nil, NewStoreError("GetHistory", "history", deploymentID, "failed to unmarshal event", ErrInvalidData)
		}
		events = append(events, event)
	}
	return events, nil
}
