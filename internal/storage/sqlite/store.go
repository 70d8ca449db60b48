// Package sqlite implements storage.Store on a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/logoslabs/logos-gateway/internal/domain"
	"github.com/logoslabs/logos-gateway/internal/storage"
)

// Store is a SQLite implementation of storage.Store.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens (or creates) the database at dbPath and bootstraps the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			key_hash TEXT NOT NULL UNIQUE,
			rpm_limit INTEGER NOT NULL DEFAULT 0,
			tpm_limit INTEGER NOT NULL DEFAULT 0,
			default_profile_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			tenant_id INTEGER NOT NULL,
			policy TEXT,
			FOREIGN KEY (tenant_id) REFERENCES tenants(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS profile_models (
			profile_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			PRIMARY KEY (profile_id, model_id),
			FOREIGN KEY (profile_id) REFERENCES profiles(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS models (
			id TEXT PRIMARY KEY,
			display_name TEXT,
			base_url TEXT NOT NULL,
			family TEXT NOT NULL DEFAULT 'openai',
			upstream_model TEXT,
			deployment TEXT,
			api_version TEXT,
			credential TEXT,
			weights TEXT,
			description TEXT,
			context_window INTEGER NOT NULL DEFAULT 0,
			max_parallel INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS request_log (
			id TEXT PRIMARY KEY,
			tenant_id INTEGER NOT NULL,
			model TEXT NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			streamed INTEGER NOT NULL DEFAULT 0,
			latency_ns INTEGER,
			first_token_ns INTEGER,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage_log (
			request_id TEXT PRIMARY KEY,
			tenant_id INTEGER NOT NULL,
			model TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL,
			estimated INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_profiles_tenant ON profiles(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_profile_models_profile ON profile_models(profile_id)`,
		`CREATE INDEX IF NOT EXISTS idx_request_log_tenant ON request_log(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_log_tenant ON usage_log(tenant_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) GetTenant(ctx context.Context, key string) (*domain.Tenant, error) {
	query := `SELECT id, name, key_hash, rpm_limit, tpm_limit, default_profile_id
	          FROM tenants WHERE key_hash = ?`

	var t domain.Tenant
	var defaultProfile sql.NullString

	err := s.db.QueryRowContext(ctx, query, storage.HashKey(key)).Scan(
		&t.ID, &t.Name, &t.KeyHash, &t.RPMLimit, &t.TPMLimit, &defaultProfile)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tenant key: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	if defaultProfile.Valid {
		t.DefaultProfileID = defaultProfile.String
	}

	profileIDs, err := s.profileIDsForTenant(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	t.ProfileIDs = profileIDs

	return &t, nil
}

func (s *Store) profileIDsForTenant(ctx context.Context, tenantID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM profiles WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan profile id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) GetProfile(ctx context.Context, id string) (*domain.Profile, error) {
	query := `SELECT id, name, tenant_id, policy FROM profiles WHERE id = ?`

	var p domain.Profile
	var policyJSON sql.NullString

	err := s.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.Name, &p.TenantID, &policyJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("profile %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	if policyJSON.Valid && policyJSON.String != "" {
		if err := json.Unmarshal([]byte(policyJSON.String), &p.Policy); err != nil {
			return nil, fmt.Errorf("failed to unmarshal policy: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT model_id FROM profile_models WHERE profile_id = ? ORDER BY model_id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query profile models: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var mid string
		if err := rows.Scan(&mid); err != nil {
			return nil, fmt.Errorf("failed to scan model id: %w", err)
		}
		p.ModelIDs = append(p.ModelIDs, mid)
	}

	return &p, rows.Err()
}

func (s *Store) GetModelsForProfile(ctx context.Context, profileID string) ([]domain.Model, error) {
	query := `SELECT m.id, m.display_name, m.base_url, m.family, m.upstream_model,
	                 m.deployment, m.api_version, m.credential, m.weights, m.description,
	                 m.context_window, m.max_parallel, m.created_at
	          FROM models m
	          JOIN profile_models pm ON pm.model_id = m.id
	          WHERE pm.profile_id = ?
	          ORDER BY m.id`

	rows, err := s.db.QueryContext(ctx, query, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}
	defer rows.Close()

	var models []domain.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, *m)
	}
	return models, rows.Err()
}

func (s *Store) GetModel(ctx context.Context, id string) (*domain.Model, error) {
	query := `SELECT id, display_name, base_url, family, upstream_model, deployment,
	                 api_version, credential, weights, description, context_window,
	                 max_parallel, created_at
	          FROM models WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	m, err := scanModel(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("model %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) ListModels(ctx context.Context) ([]domain.Model, error) {
	query := `SELECT id, display_name, base_url, family, upstream_model, deployment,
	                 api_version, credential, weights, description, context_window,
	                 max_parallel, created_at
	          FROM models ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}
	defer rows.Close()

	var models []domain.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, *m)
	}
	return models, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanModel(row scanner) (*domain.Model, error) {
	var m domain.Model
	var displayName, upstreamModel, deployment, apiVersion sql.NullString
	var credential, weightsJSON, description sql.NullString
	var family string

	err := row.Scan(&m.ID, &displayName, &m.Endpoint.BaseURL, &family, &upstreamModel,
		&deployment, &apiVersion, &credential, &weightsJSON, &description,
		&m.ContextWindow, &m.MaxParallel, &m.Created)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan model: %w", err)
	}

	m.Endpoint.Family = domain.ProviderFamily(family)
	m.DisplayName = displayName.String
	m.Endpoint.UpstreamModel = upstreamModel.String
	m.Endpoint.Deployment = deployment.String
	m.Endpoint.APIVersion = apiVersion.String
	m.Credential = credential.String
	m.Description = description.String

	if weightsJSON.Valid && weightsJSON.String != "" {
		if err := json.Unmarshal([]byte(weightsJSON.String), &m.Weights); err != nil {
			return nil, fmt.Errorf("failed to unmarshal weights: %w", err)
		}
	}

	return &m, nil
}

func (s *Store) RecordRequest(ctx context.Context, rec *domain.RequestRecord) error {
	if rec.Created.IsZero() {
		rec.Created = time.Now()
	}

	query := `INSERT INTO request_log (id, tenant_id, model, mode, status, streamed, latency_ns, first_token_ns, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.TenantID, rec.Model, string(rec.Mode), rec.Status,
		rec.Streamed, int64(rec.Latency), int64(rec.FirstTokenAt), rec.Created)
	if err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	return nil
}

func (s *Store) RecordUsage(ctx context.Context, rec *domain.UsageRecord) error {
	if rec.Created.IsZero() {
		rec.Created = time.Now()
	}

	query := `INSERT INTO usage_log (request_id, tenant_id, model, prompt_tokens, completion_tokens, total_tokens, estimated, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rec.RequestID, rec.TenantID, rec.Model, rec.Usage.PromptTokens,
		rec.Usage.CompletionTokens, rec.Usage.TotalTokens, rec.Estimated, rec.Created)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// Seeding helpers for provisioning tools and tests.

// AddTenant inserts a tenant row; the key is hashed before storage.
func (s *Store) AddTenant(ctx context.Context, t domain.Tenant, key string) error {
	query := `INSERT INTO tenants (id, name, key_hash, rpm_limit, tpm_limit, default_profile_id)
	          VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.Name, storage.HashKey(key), t.RPMLimit, t.TPMLimit, t.DefaultProfileID)
	if err != nil {
		return fmt.Errorf("failed to add tenant: %w", err)
	}
	return nil
}

// AddProfile inserts a profile row and its model links.
func (s *Store) AddProfile(ctx context.Context, p domain.Profile) error {
	policy, err := json.Marshal(p.Policy)
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO profiles (id, name, tenant_id, policy) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.TenantID, string(policy))
	if err != nil {
		return fmt.Errorf("failed to add profile: %w", err)
	}

	for _, mid := range p.ModelIDs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO profile_models (profile_id, model_id) VALUES (?, ?)`,
			p.ID, mid)
		if err != nil {
			return fmt.Errorf("failed to link model: %w", err)
		}
	}

	return tx.Commit()
}

// AddModel inserts a model row.
func (s *Store) AddModel(ctx context.Context, m domain.Model) error {
	weights, err := json.Marshal(m.Weights)
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}
	if m.Created == 0 {
		m.Created = time.Now().Unix()
	}

	query := `INSERT INTO models (id, display_name, base_url, family, upstream_model, deployment,
	                              api_version, credential, weights, description, context_window,
	                              max_parallel, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		m.ID, m.DisplayName, m.Endpoint.BaseURL, string(m.Endpoint.Family),
		m.Endpoint.UpstreamModel, m.Endpoint.Deployment, m.Endpoint.APIVersion,
		m.Credential, string(weights), m.Description, m.ContextWindow,
		m.MaxParallel, m.Created)
	if err != nil {
		return fmt.Errorf("failed to add model: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
