package repository

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-connect/internal/models"
)

type IngestionRepository interface {
	Create(ctx context.Context, tenantID, connectionID string, userID *string) (*models.IngestionRun, error)
	Get(ctx context.Context, tenantID, runID string) (*models.IngestionRun, error)
	ListByConnection(ctx context.Context, tenantID, connectionID string, limit int) ([]models.IngestionRun, error)
	MarkRunning(ctx context.Context, tenantID, runID string) (*models.IngestionRun, error)
	Finish(ctx context.Context, tenantID, runID string, status models.IngestionRunStatus, errorMessage *string) (*models.IngestionRun, error)
	UpdateCounts(ctx context.Context, tenantID, runID string, recordsProcessed, recordsFailed *int64) (*models.IngestionRun, error)
}

type ingestionRepository struct {
	db *sql.DB
}

func NewIngestionRepository(db *sql.DB) IngestionRepository {
	return &ingestionRepository{db: db}
}

const ingestionColumns = `
	id, tenant_id, connection_id, user_id, status, records_processed, records_failed,
	error_message, created_at, updated_at, started_at, completed_at`

// Create inserts a pending run. The insert only happens when the connection belongs to the
// tenant; otherwise nil is returned.
func (r *ingestionRepository) Create(ctx context.Context, tenantID, connectionID string, userID *string) (*models.IngestionRun, error) {
	query := `
		INSERT INTO tenant.ingestion_runs (tenant_id, connection_id, user_id, status)
		SELECT $1, c.id, $3, 'pending'
		  FROM tenant.connections c
		 WHERE c.id = $2 AND c.tenant_id = $1 AND c.deleted_at IS NULL
		RETURNING` + ingestionColumns

	run, err := scanIngestionRun(r.db.QueryRowContext(ctx, query, tenantID, connectionID, nullString(userID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "create ingestion run")
	}
	return run, nil
}

func (r *ingestionRepository) Get(ctx context.Context, tenantID, runID string) (*models.IngestionRun, error) {
	query := `SELECT` + ingestionColumns + `
		FROM tenant.ingestion_runs
		WHERE id = $1 AND tenant_id = $2`

	run, err := scanIngestionRun(r.db.QueryRowContext(ctx, query, runID, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "get ingestion run %s", runID)
	}
	return run, nil
}

func (r *ingestionRepository) ListByConnection(ctx context.Context, tenantID, connectionID string, limit int) ([]models.IngestionRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `SELECT` + ingestionColumns + `
		FROM tenant.ingestion_runs
		WHERE tenant_id = $1 AND connection_id = $2
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, tenantID, connectionID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list ingestion runs")
	}
	defer rows.Close()

	runs := make([]models.IngestionRun, 0, limit)
	for rows.Next() {
		run, err := scanIngestionRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan ingestion run")
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// MarkRunning moves a pending run to running. Runs that already left pending are returned
// unchanged so a late call cannot resurrect a finished run.
func (r *ingestionRepository) MarkRunning(ctx context.Context, tenantID, runID string) (*models.IngestionRun, error) {
	query := `
		UPDATE tenant.ingestion_runs
		   SET status = 'running', started_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND status = 'pending'
		RETURNING` + ingestionColumns

	run, err := scanIngestionRun(r.db.QueryRowContext(ctx, query, runID, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r.Get(ctx, tenantID, runID)
		}
		return nil, errors.Wrapf(err, "mark ingestion run %s running", runID)
	}
	return run, nil
}

func (r *ingestionRepository) Finish(ctx context.Context, tenantID, runID string, status models.IngestionRunStatus, errorMessage *string) (*models.IngestionRun, error) {
	switch status {
	case models.IngestionRunCompleted, models.IngestionRunFailed:
	default:
		return nil, errors.Errorf("invalid terminal status %q", status)
	}

	query := `
		UPDATE tenant.ingestion_runs
		   SET status        = $3,
		       error_message = $4,
		       completed_at  = COALESCE(completed_at, NOW()),
		       updated_at    = NOW()
		 WHERE id = $1 AND tenant_id = $2
		RETURNING` + ingestionColumns

	run, err := scanIngestionRun(r.db.QueryRowContext(ctx, query, runID, tenantID, string(status), nullString(errorMessage)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "finish ingestion run %s", runID)
	}
	return run, nil
}

func (r *ingestionRepository) UpdateCounts(ctx context.Context, tenantID, runID string, recordsProcessed, recordsFailed *int64) (*models.IngestionRun, error) {
	query := `
		UPDATE tenant.ingestion_runs
		   SET records_processed = COALESCE($3, records_processed),
		       records_failed    = COALESCE($4, records_failed),
		       updated_at        = NOW()
		 WHERE id = $1 AND tenant_id = $2
		RETURNING` + ingestionColumns

	run, err := scanIngestionRun(r.db.QueryRowContext(ctx, query, runID, tenantID, nullInt64(recordsProcessed), nullInt64(recordsFailed)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "update counts of ingestion run %s", runID)
	}
	return run, nil
}

func scanIngestionRun(scanner interface {
	Scan(dest ...interface{}) error
}) (*models.IngestionRun, error) {
	var (
		run         models.IngestionRun
		userID      sql.NullString
		errMsg      sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	if err := scanner.Scan(
		&run.ID,
		&run.TenantID,
		&run.ConnectionID,
		&userID,
		&run.Status,
		&run.RecordsProcessed,
		&run.RecordsFailed,
		&errMsg,
		&run.CreatedAt,
		&run.UpdatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	if userID.Valid {
		run.UserID = &userID.String
	}
	if errMsg.Valid {
		run.ErrorMessage = &errMsg.String
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
