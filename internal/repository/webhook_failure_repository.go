package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-connect/internal/models"
)

type CreateWebhookFailureParams struct {
	TenantID   *string
	Source     string
	Action     string
	Payload    json.RawMessage
	RetryCount int
	LastError  string
	HTTPStatus *int
	Status     models.WebhookFailureStatus
}

type WebhookFailureRepository interface {
	Create(ctx context.Context, params CreateWebhookFailureParams) (models.WebhookFailure, error)
	Get(ctx context.Context, id string) (*models.WebhookFailure, error)
	List(ctx context.Context, tenantID string, limit int) ([]models.WebhookFailure, error)
	RecordRetry(ctx context.Context, id string, attempts int, lastError string, httpStatus *int, status models.WebhookFailureStatus) error
	MarkResolved(ctx context.Context, id string) error
}

type webhookFailureRepository struct {
	db *sql.DB
}

func NewWebhookFailureRepository(db *sql.DB) WebhookFailureRepository {
	return &webhookFailureRepository{db: db}
}

const webhookFailureColumns = `
	id, tenant_id, source, action, payload, retry_count, last_error, http_status, status,
	created_at, updated_at, resolved_at`

func (r *webhookFailureRepository) Create(ctx context.Context, params CreateWebhookFailureParams) (models.WebhookFailure, error) {
	query := `
		INSERT INTO tenant.webhook_failures (tenant_id, source, action, payload, retry_count, last_error, http_status, status)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8)
		RETURNING` + webhookFailureColumns

	var tenantID sql.NullString
	if params.TenantID != nil && strings.TrimSpace(*params.TenantID) != "" {
		tenantID = sql.NullString{String: strings.TrimSpace(*params.TenantID), Valid: true}
	}
	payload := string(params.Payload)
	if payload == "" {
		payload = "null"
	}

	failure, err := scanWebhookFailure(r.db.QueryRowContext(ctx, query,
		tenantID,
		params.Source,
		params.Action,
		payload,
		params.RetryCount,
		params.LastError,
		nullInt(params.HTTPStatus),
		string(params.Status),
	))
	if err != nil {
		return models.WebhookFailure{}, errors.Wrap(err, "insert webhook failure")
	}
	return *failure, nil
}

func (r *webhookFailureRepository) Get(ctx context.Context, id string) (*models.WebhookFailure, error) {
	query := `SELECT` + webhookFailureColumns + ` FROM tenant.webhook_failures WHERE id = $1`
	failure, err := scanWebhookFailure(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "get webhook failure %s", id)
	}
	return failure, nil
}

func (r *webhookFailureRepository) List(ctx context.Context, tenantID string, limit int) ([]models.WebhookFailure, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	query := `SELECT` + webhookFailureColumns + `
		FROM tenant.webhook_failures
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, strings.TrimSpace(tenantID), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list webhook failures")
	}
	defer rows.Close()

	var failures []models.WebhookFailure
	for rows.Next() {
		failure, err := scanWebhookFailure(rows)
		if err != nil {
			return nil, err
		}
		failures = append(failures, *failure)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return failures, nil
}

func (r *webhookFailureRepository) RecordRetry(ctx context.Context, id string, attempts int, lastError string, httpStatus *int, status models.WebhookFailureStatus) error {
	const query = `
		UPDATE tenant.webhook_failures
		   SET retry_count = retry_count + $2,
		       last_error  = $3,
		       http_status = $4,
		       status      = $5,
		       updated_at  = NOW()
		 WHERE id = $1 AND status <> 'resolved'`

	_, err := r.db.ExecContext(ctx, query, id, attempts, lastError, nullInt(httpStatus), string(status))
	return errors.Wrapf(err, "record retry of webhook failure %s", id)
}

func (r *webhookFailureRepository) MarkResolved(ctx context.Context, id string) error {
	const query = `
		UPDATE tenant.webhook_failures
		   SET status = 'resolved', resolved_at = NOW(), updated_at = NOW()
		 WHERE id = $1`

	_, err := r.db.ExecContext(ctx, query, id)
	return errors.Wrapf(err, "resolve webhook failure %s", id)
}

func scanWebhookFailure(scanner interface {
	Scan(dest ...interface{}) error
}) (*models.WebhookFailure, error) {
	var (
		failure    models.WebhookFailure
		tenantID   sql.NullString
		payload    []byte
		httpStatus sql.NullInt64
		resolvedAt sql.NullTime
	)
	if err := scanner.Scan(
		&failure.ID,
		&tenantID,
		&failure.Source,
		&failure.Action,
		&payload,
		&failure.RetryCount,
		&failure.LastError,
		&httpStatus,
		&failure.Status,
		&failure.CreatedAt,
		&failure.UpdatedAt,
		&resolvedAt,
	); err != nil {
		return nil, err
	}
	if tenantID.Valid {
		failure.TenantID = &tenantID.String
	}
	if len(payload) > 0 {
		failure.Payload = payload
	}
	if httpStatus.Valid {
		code := int(httpStatus.Int64)
		failure.HTTPStatus = &code
	}
	if resolvedAt.Valid {
		failure.ResolvedAt = &resolvedAt.Time
	}
	return &failure, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
