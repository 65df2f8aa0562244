package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/cyderes/findings-ingestion-service/internal/config"
	"github.com/cyderes/findings-ingestion-service/internal/failures"
	"github.com/cyderes/findings-ingestion-service/internal/models"
)

// pqClientErrorClasses are SQLSTATE classes that mean the statement or its data is bad.
var pqClientErrorClasses = map[pq.ErrorClass]bool{
	"22": true, // data exception
	"23": true, // integrity constraint violation
	"42": true, // syntax error or access rule violation
}

// PostgreSQLStorage implements Storage on PostgreSQL. The schema's database name maps
// to a Postgres schema and the container to a table inside it.
type PostgreSQLStorage struct {
	db           *sql.DB
	schema       string
	table        string
	writeTimeout time.Duration
}

// NewPostgreSQLStorage opens a connection pool and verifies it.
func NewPostgreSQLStorage(ctx context.Context, cfg config.StorageConfig) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &PostgreSQLStorage{
		db:           db,
		schema:       cfg.Database,
		table:        cfg.Container,
		writeTimeout: cfg.WriteTimeout,
	}, nil
}

// EnsureSchema creates the schema, findings table, status table and one index per
// indexed field, all with IF NOT EXISTS.
func (p *PostgreSQLStorage) EnsureSchema(ctx context.Context, schema Schema) error {
	if schema.Database != "" {
		p.schema = schema.Database
	}
	if schema.Container != "" {
		p.table = schema.Container
	}

	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pq.QuoteIdentifier(p.schema)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id                     TEXT PRIMARY KEY,
	subscription           TEXT NOT NULL DEFAULT '',
	resource_group         TEXT NOT NULL DEFAULT '',
	storage_area_name      TEXT NOT NULL DEFAULT '',
	storage_area_container TEXT NOT NULL DEFAULT '',
	file_name              TEXT NOT NULL,
	operation              TEXT NOT NULL CHECK (operation IN ('insert', 'update', 'delete')),
	field_name             TEXT NOT NULL DEFAULT '',
	field_type             TEXT NOT NULL DEFAULT '',
	source_last_modified   TIMESTAMPTZ
)`, p.findingsTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id      TEXT PRIMARY KEY,
	payload JSONB NOT NULL
)`, p.statusTable()),
	}

	for _, field := range schema.IndexingPolicy.IndexedFields() {
		column, ok := columnFor(field)
		if !ok {
			continue
		}
		index := pq.QuoteIdentifier(fmt.Sprintf("idx_%s_%s", p.table, column))
		stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`, index, p.findingsTable(), column))
	}

	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// UpsertFinding inserts the record or replaces the row with the same id.
func (p *PostgreSQLStorage) UpsertFinding(ctx context.Context, record models.FindingRecord) error {
	ctx, cancel := withWriteTimeout(ctx, p.writeTimeout)
	defer cancel()

	query := fmt.Sprintf(`INSERT INTO %s
	(id, subscription, resource_group, storage_area_name, storage_area_container, file_name, operation, field_name, field_type, source_last_modified)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
	subscription = EXCLUDED.subscription,
	resource_group = EXCLUDED.resource_group,
	storage_area_name = EXCLUDED.storage_area_name,
	storage_area_container = EXCLUDED.storage_area_container,
	file_name = EXCLUDED.file_name,
	operation = EXCLUDED.operation,
	field_name = EXCLUDED.field_name,
	field_type = EXCLUDED.field_type,
	source_last_modified = EXCLUDED.source_last_modified`, p.findingsTable())

	_, err := p.db.ExecContext(ctx, query,
		record.ID, record.Subscription, record.ResourceGroup, record.StorageAreaName,
		record.StorageAreaContainer, record.FileName, string(record.Operation),
		record.FieldName, record.FieldType, record.SourceLastModified)
	if err != nil {
		return classifyPostgresError(fmt.Errorf("failed to upsert finding %s: %w", record.ID, err))
	}
	return nil
}

// GetFindingByID retrieves a specific finding by ID
func (p *PostgreSQLStorage) GetFindingByID(ctx context.Context, id string) (*models.FindingRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, findingColumns, p.findingsTable())
	record, err := scanFinding(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get finding %s: %w", id, err)
	}
	return record, nil
}

// GetFindings retrieves findings matching filter with pagination
func (p *PostgreSQLStorage) GetFindings(ctx context.Context, filter models.FindingFilter, limit int, offset int) ([]models.FindingRecord, error) {
	where, args := postgresWhere(filter)
	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY id`, findingColumns, p.findingsTable(), where)
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	args = append(args, offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	findings := []models.FindingRecord{}
	for rows.Next() {
		record, err := scanFinding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan finding: %w", err)
		}
		findings = append(findings, *record)
	}
	return findings, rows.Err()
}

// UpdateIngestionStatus updates the ingestion status
func (p *PostgreSQLStorage) UpdateIngestionStatus(ctx context.Context, status models.IngestionStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal ingestion status: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, payload) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`, p.statusTable())

	ctx, cancel := withWriteTimeout(ctx, p.writeTimeout)
	defer cancel()
	if _, err := p.db.ExecContext(ctx, query, statusID, payload); err != nil {
		return fmt.Errorf("failed to update ingestion status: %w", err)
	}
	return nil
}

// GetIngestionStatus retrieves the current ingestion status
func (p *PostgreSQLStorage) GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error) {
	var payload []byte
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE id = $1`, p.statusTable())

	ctx, cancel := withWriteTimeout(ctx, p.writeTimeout)
	defer cancel()
	err := p.db.QueryRowContext(ctx, query, statusID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.IngestionStatus{Status: "never_run"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ingestion status: %w", err)
	}

	var status models.IngestionStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ingestion status: %w", err)
	}
	return &status, nil
}

// Close closes the connection pool
func (p *PostgreSQLStorage) Close() error {
	return p.db.Close()
}

func (p *PostgreSQLStorage) findingsTable() string {
	return pq.QuoteIdentifier(p.schema) + "." + pq.QuoteIdentifier(p.table)
}

func (p *PostgreSQLStorage) statusTable() string {
	return pq.QuoteIdentifier(p.schema) + "." + pq.QuoteIdentifier(p.table+"_status")
}

const findingColumns = `id, subscription, resource_group, storage_area_name, storage_area_container, file_name, operation, field_name, field_type, source_last_modified`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFinding(row rowScanner) (*models.FindingRecord, error) {
	var (
		rec          models.FindingRecord
		operation    string
		lastModified sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.Subscription, &rec.ResourceGroup, &rec.StorageAreaName,
		&rec.StorageAreaContainer, &rec.FileName, &operation, &rec.FieldName, &rec.FieldType, &lastModified)
	if err != nil {
		return nil, err
	}
	rec.Operation = models.Operation(operation)
	if lastModified.Valid {
		t := lastModified.Time.UTC()
		rec.SourceLastModified = &t
	}
	return &rec, nil
}

// postgresWhere builds a parameterized WHERE clause from the non-empty filter fields.
func postgresWhere(f models.FindingFilter) (string, []any) {
	matches := filterMatches(f)
	if len(matches) == 0 {
		return "", nil
	}
	conds := make([]string, 0, len(matches))
	args := make([]any, 0, len(matches))
	for _, m := range matches {
		column, _ := columnFor(m.Name)
		args = append(args, m.Value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// classifyPostgresError marks data and constraint errors as ClientRejected.
func classifyPostgresError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqClientErrorClasses[pqErr.Code.Class()] {
		return failures.New(failures.ClientRejected, "upsert finding", err)
	}
	return err
}
