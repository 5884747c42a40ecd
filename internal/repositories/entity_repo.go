package repositories

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prudhvinik1/classsync/internal/catalog"
	"github.com/prudhvinik1/classsync/internal/models"
)

var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when optimistic locking fails: the row was
// modified by another device between read and write.
var ErrVersionConflict = errors.New("version conflict: record was modified concurrently")

const entityColumns = "id, school_id, owner_id, student_id, payload, version, created_at, updated_at, deleted_at"

type PostgresEntityRepository struct {
	db DBTX
}

func NewPostgresEntityRepository(db DBTX) *PostgresEntityRepository {
	return &PostgresEntityRepository{db: db}
}

// scopeClause builds the visibility predicate for the caller. Placeholders
// start at argIdx; the table name comes from the catalog, so the only
// dynamic parts of any query here are parameter values.
func scopeClause(desc catalog.EntityDescriptor, scope models.AccessScope, argIdx int) (string, []any, error) {
	rule, ok := desc.VisibleTo(scope.Role)
	if !ok {
		return "", nil, fmt.Errorf("role %q has no visibility into %s", scope.Role, desc.Name)
	}

	switch rule {
	case catalog.ScopeSchool:
		return fmt.Sprintf("school_id = $%d", argIdx), []any{scope.SchoolID}, nil
	case catalog.ScopeOwner:
		return fmt.Sprintf("school_id = $%d AND owner_id = $%d", argIdx, argIdx+1),
			[]any{scope.SchoolID, scope.UserID}, nil
	case catalog.ScopeStudentLink:
		return fmt.Sprintf(
				"school_id = $%d AND student_id IN (SELECT student_id FROM guardian_links WHERE guardian_id = $%d)",
				argIdx, argIdx+1),
			[]any{scope.SchoolID, scope.UserID}, nil
	default:
		return "", nil, fmt.Errorf("unknown scope rule %d for %s", rule, desc.Name)
	}
}

func scanEntityRecord(row pgx.Row) (*models.EntityRecord, error) {
	var rec models.EntityRecord
	err := row.Scan(
		&rec.ID,
		&rec.SchoolID,
		&rec.OwnerID,
		&rec.StudentID,
		&rec.Payload,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *PostgresEntityRepository) FetchSince(ctx context.Context, desc catalog.EntityDescriptor, scope models.AccessScope, since time.Time) ([]*models.EntityRecord, error) {
	clause, scopeArgs, err := scopeClause(desc, scope, 2)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT %s FROM %s
		 WHERE (created_at > $1 OR updated_at > $1) AND deleted_at IS NULL AND %s
		 ORDER BY updated_at ASC`,
		entityColumns, desc.Table, clause)

	args := append([]any{since}, scopeArgs...)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s since watermark: %w", desc.Name, err)
	}
	defer rows.Close()

	var records []*models.EntityRecord
	for rows.Next() {
		rec, err := scanEntityRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", desc.Name, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s records: %w", desc.Name, err)
	}
	return records, nil
}

func (r *PostgresEntityRepository) GetByID(ctx context.Context, desc catalog.EntityDescriptor, id uuid.UUID) (*models.EntityRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, entityColumns, desc.Table)

	rec, err := scanEntityRecord(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s by id: %w", desc.Name, err)
	}
	return rec, nil
}

func (r *PostgresEntityRepository) GetByIDScoped(ctx context.Context, desc catalog.EntityDescriptor, scope models.AccessScope, id uuid.UUID) (*models.EntityRecord, error) {
	clause, scopeArgs, err := scopeClause(desc, scope, 2)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE id = $1 AND deleted_at IS NULL AND %s`,
		entityColumns, desc.Table, clause)

	args := append([]any{id}, scopeArgs...)
	rec, err := scanEntityRecord(r.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s by id: %w", desc.Name, err)
	}
	return rec, nil
}

func (r *PostgresEntityRepository) FindByNaturalKey(ctx context.Context, desc catalog.EntityDescriptor, schoolID uuid.UUID, payload json.RawMessage) (*models.EntityRecord, error) {
	if len(desc.NaturalKey) == 0 {
		return nil, ErrNotFound
	}

	keyValues, err := naturalKeyValues(desc.NaturalKey, payload)
	if err != nil {
		return nil, err
	}
	if keyValues == nil {
		// Payload does not carry the full key, nothing to dedupe against.
		return nil, ErrNotFound
	}

	conds := make([]string, 0, len(desc.NaturalKey))
	args := []any{schoolID}
	for i, field := range desc.NaturalKey {
		conds = append(conds, fmt.Sprintf("payload->>'%s' = $%d", field, i+2))
		args = append(args, keyValues[i])
	}

	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE school_id = $1 AND deleted_at IS NULL AND %s`,
		entityColumns, desc.Table, strings.Join(conds, " AND "))

	rec, err := scanEntityRecord(r.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find %s by natural key: %w", desc.Name, err)
	}
	return rec, nil
}

// naturalKeyValues extracts the key fields from payload as their JSON text
// form, matching Postgres ->> semantics. Returns nil when any field is
// missing.
func naturalKeyValues(fields []string, payload json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}

	values := make([]string, 0, len(fields))
	for _, field := range fields {
		v, ok := doc[field]
		if !ok || v == nil {
			return nil, nil
		}
		switch t := v.(type) {
		case string:
			values = append(values, t)
		case json.Number:
			values = append(values, t.String())
		case bool:
			values = append(values, fmt.Sprintf("%t", t))
		default:
			// Objects and arrays do not make usable key parts.
			return nil, nil
		}
	}
	return values, nil
}

func (r *PostgresEntityRepository) Create(ctx context.Context, desc catalog.EntityDescriptor, rec *models.EntityRecord) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (school_id, owner_id, student_id, payload, version)
		 VALUES ($1, $2, $3, $4, 1)
		 RETURNING id, version, created_at, updated_at`,
		desc.Table)

	err := r.db.QueryRow(ctx, query,
		rec.SchoolID,
		rec.OwnerID,
		rec.StudentID,
		rec.Payload,
	).Scan(&rec.ID, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create %s record: %w", desc.Name, err)
	}
	return nil
}

func (r *PostgresEntityRepository) Update(ctx context.Context, desc catalog.EntityDescriptor, id uuid.UUID, payload json.RawMessage, expectedVersion int64) (*models.EntityRecord, error) {
	// The WHERE clause carries the version check: zero rows updated on a
	// live record means the version moved underneath us.
	query := fmt.Sprintf(
		`UPDATE %s
		 SET payload = $1, version = version + 1, updated_at = NOW()
		 WHERE id = $2 AND version = $3 AND deleted_at IS NULL
		 RETURNING %s`,
		desc.Table, entityColumns)

	rec, err := scanEntityRecord(r.db.QueryRow(ctx, query, payload, id, expectedVersion))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, desc, id); errors.Is(getErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update %s record: %w", desc.Name, err)
	}
	return rec, nil
}

func (r *PostgresEntityRepository) Override(ctx context.Context, desc catalog.EntityDescriptor, id uuid.UUID, payload json.RawMessage) (*models.EntityRecord, error) {
	query := fmt.Sprintf(
		`UPDATE %s
		 SET payload = $1, version = version + 1, updated_at = NOW()
		 WHERE id = $2 AND deleted_at IS NULL
		 RETURNING %s`,
		desc.Table, entityColumns)

	rec, err := scanEntityRecord(r.db.QueryRow(ctx, query, payload, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to override %s record: %w", desc.Name, err)
	}
	return rec, nil
}

func (r *PostgresEntityRepository) Touch(ctx context.Context, desc catalog.EntityDescriptor, id uuid.UUID) error {
	query := fmt.Sprintf(
		`UPDATE %s SET updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`,
		desc.Table)

	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to touch %s record: %w", desc.Name, err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresEntityRepository) MarkDeleted(ctx context.Context, desc catalog.EntityDescriptor, id uuid.UUID, expectedVersion int64) (*models.EntityRecord, error) {
	// Same version guard as Update: without it a delete could land between
	// another device's read and write and silently erase the newer state.
	query := fmt.Sprintf(
		`UPDATE %s
		 SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND version = $2 AND deleted_at IS NULL
		 RETURNING %s`,
		desc.Table, entityColumns)

	rec, err := scanEntityRecord(r.db.QueryRow(ctx, query, id, expectedVersion))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := r.GetByID(ctx, desc, id)
		if errors.Is(getErr, ErrNotFound) || (getErr == nil && current.DeletedAt != nil) {
			return nil, ErrNotFound
		}
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete %s record: %w", desc.Name, err)
	}
	return rec, nil
}

func (r *PostgresEntityRepository) OverrideDelete(ctx context.Context, desc catalog.EntityDescriptor, id uuid.UUID) (*models.EntityRecord, error) {
	query := fmt.Sprintf(
		`UPDATE %s
		 SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL
		 RETURNING %s`,
		desc.Table, entityColumns)

	rec, err := scanEntityRecord(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete %s record: %w", desc.Name, err)
	}
	return rec, nil
}
