// internal/repository/point_repository.go
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"hubstream/internal/database"
	"hubstream/internal/model"
)

// postgresPointRepository stores points in state_points with the field
// type registry kept in field_types
type postgresPointRepository struct {
	db     *database.DB
	logger *zap.Logger

	mu       sync.Mutex
	registry map[string]map[string]model.FieldType
}

// NewPostgresPointRepository creates a Postgres backed point repository
func NewPostgresPointRepository(db *database.DB, logger *zap.Logger) PointRepository {
	return &postgresPointRepository{
		db:       db,
		logger:   logger.With(zap.String("component", "point_repository")),
		registry: make(map[string]map[string]model.FieldType),
	}
}

// WritePoints writes the batch in one transaction. A point whose field types
// disagree with the registry is rejected and the rest of the batch is written.
func (r *postgresPointRepository) WritePoints(ctx context.Context, points []*model.NormalizedPoint) (*WriteResult, error) {
	result := &WriteResult{}
	if len(points) == 0 {
		return result, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	registerStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO field_types (measurement, field_name, field_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (measurement, field_name)
		DO UPDATE SET field_name = EXCLUDED.field_name
		RETURNING field_type
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare type registration: %w", err)
	}
	defer registerStmt.Close()

	insertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO state_points (measurement, entity_id, ts, tags, fields)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (measurement, entity_id, ts)
		DO UPDATE SET
			tags = EXCLUDED.tags,
			fields = EXCLUDED.fields,
			updated_at = NOW()
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare point insert: %w", err)
	}
	defer insertStmt.Close()

	pending := make(map[string]map[string]model.FieldType)
	for _, p := range points {
		if err := checkRepresentable(p); err != nil {
			result.reject(p, err)
			continue
		}

		registry, err := r.registryLocked(ctx, tx, p.Measurement, pending)
		if err != nil {
			return nil, err
		}

		added, err := checkFieldTypes(registry, p)
		if err != nil {
			result.reject(p, err)
			continue
		}

		if err := r.register(ctx, registerStmt, p, added, registry); err != nil {
			if errors.Is(err, model.ErrTypeConflict) {
				result.reject(p, err)
				continue
			}
			return nil, err
		}

		tags, err := json.Marshal(p.Tags)
		if err != nil {
			return nil, fmt.Errorf("failed to encode tags: %w", err)
		}
		fields, err := json.Marshal(fieldValues(p))
		if err != nil {
			return nil, fmt.Errorf("failed to encode fields: %w", err)
		}

		if _, err := insertStmt.ExecContext(ctx, p.Measurement, p.Tags["entity_id"], p.Time, tags, fields); err != nil {
			return nil, fmt.Errorf("failed to insert point for %s: %w", p.Tags["entity_id"], err)
		}
		result.Written++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit points: %w", err)
	}

	for measurement, registry := range pending {
		r.registry[measurement] = registry
	}
	return result, nil
}

// register declares the new fields of p. The registry keeps the type of
// whichever writer registered a field first, so a concurrent writer can still
// turn this into a type conflict.
func (r *postgresPointRepository) register(ctx context.Context, stmt *sql.Stmt, p *model.NormalizedPoint, added, registry map[string]model.FieldType) error {
	for _, name := range sortedFieldNames(added) {
		var stored string
		if err := stmt.QueryRowContext(ctx, p.Measurement, name, string(added[name])).Scan(&stored); err != nil {
			return fmt.Errorf("failed to register field %s: %w", name, err)
		}

		registered := model.FieldType(stored)
		registry[name] = registered
		if registered.StorageType() != added[name].StorageType() {
			return typeConflict(p, name, registered, added[name])
		}
	}
	return nil
}

// registryLocked returns the working copy of a measurement's registry for
// the current transaction
func (r *postgresPointRepository) registryLocked(ctx context.Context, q queryer, measurement string, pending map[string]map[string]model.FieldType) (map[string]model.FieldType, error) {
	if registry, ok := pending[measurement]; ok {
		return registry, nil
	}

	registry := make(map[string]model.FieldType)
	if cached, ok := r.registry[measurement]; ok {
		for name, fieldType := range cached {
			registry[name] = fieldType
		}
	} else {
		loaded, err := loadFieldTypes(ctx, q, measurement)
		if err != nil {
			return nil, err
		}
		registry = loaded
	}

	pending[measurement] = registry
	return registry, nil
}

// FieldTypes returns the registered field types of a measurement
func (r *postgresPointRepository) FieldTypes(ctx context.Context, measurement string) (map[string]model.FieldType, error) {
	types, err := loadFieldTypes(ctx, r.db, measurement)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	cached := make(map[string]model.FieldType, len(types))
	for name, fieldType := range types {
		cached[name] = fieldType
	}
	r.registry[measurement] = cached
	r.mu.Unlock()

	r.logger.Info("Loaded field type registry",
		zap.String("measurement", measurement),
		zap.Int("fields", len(types)),
	)
	return types, nil
}

func (r *postgresPointRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

func (r *postgresPointRepository) Close() error {
	return r.db.Close()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func loadFieldTypes(ctx context.Context, q queryer, measurement string) (map[string]model.FieldType, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT field_name, field_type FROM field_types WHERE measurement = $1`, measurement)
	if err != nil {
		return nil, fmt.Errorf("failed to load field types: %w", err)
	}
	defer rows.Close()

	types := make(map[string]model.FieldType)
	for rows.Next() {
		var name, fieldType string
		if err := rows.Scan(&name, &fieldType); err != nil {
			return nil, fmt.Errorf("failed to scan field type: %w", err)
		}
		types[name] = model.FieldType(fieldType)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load field types: %w", err)
	}
	return types, nil
}

func fieldValues(p *model.NormalizedPoint) map[string]interface{} {
	values := make(map[string]interface{}, len(p.Fields))
	for name, field := range p.Fields {
		values[name] = field.Interface()
	}
	return values
}
