package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-connect/internal/models"
)

// SetStatusParams describes a status write. When RequireCurrentStatus is set the write only
// applies if the stored status still equals it.
type SetStatusParams struct {
	Status               models.ConnectionStatus
	LastSyncStatus       *models.SyncResult
	LastSyncError        *string // written only together with LastSyncStatus
	TouchLastSyncAt      bool
	RequireCurrentStatus *models.ConnectionStatus
}

type VerificationResultParams struct {
	Outcome models.VerificationOutcome
	Options json.RawMessage
	Error   *string
}

// ConnectionRepository is the connection state store. Status is only ever changed through
// conditional operations; a nil connection with a nil error means the row does not exist
// for the tenant, or, for conditional writes, that the precondition did not hold.
type ConnectionRepository interface {
	List(ctx context.Context, tenantID string) ([]*models.Connection, error)
	Get(ctx context.Context, tenantID, id string) (*models.Connection, error)
	SetStatus(ctx context.Context, tenantID, id string, params SetStatusParams) (*models.Connection, error)
	Transition(ctx context.Context, tenantID, id string, current, next models.ConnectionStatus) (bool, error)
	SetVerificationResult(ctx context.Context, tenantID, id string, params VerificationResultParams) (*models.Connection, error)
}

type connectionRepository struct {
	db *sql.DB
}

func NewConnectionRepository(db *sql.DB) ConnectionRepository {
	return &connectionRepository{db: db}
}

const connectionColumns = `
	id, tenant_id, type, status, last_sync_status, last_sync_at, last_sync_error,
	last_verification_at, last_verification_error, latest_options, enabled, settings,
	credentials, created_at, updated_at`

func (r *connectionRepository) List(ctx context.Context, tenantID string) ([]*models.Connection, error) {
	query := `SELECT` + connectionColumns + `
		FROM tenant.connections
		WHERE tenant_id = $1 AND deleted_at IS NULL
		ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, "list connections")
	}
	defer rows.Close()

	var connections []*models.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan connection")
		}
		connections = append(connections, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return connections, nil
}

func (r *connectionRepository) Get(ctx context.Context, tenantID, id string) (*models.Connection, error) {
	query := `SELECT` + connectionColumns + `
		FROM tenant.connections
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`

	conn, err := scanConnection(r.db.QueryRowContext(ctx, query, id, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "get connection %s", id)
	}
	return conn, nil
}

func (r *connectionRepository) SetStatus(ctx context.Context, tenantID, id string, params SetStatusParams) (*models.Connection, error) {
	query := `
		UPDATE tenant.connections
		   SET status           = $3,
		       last_sync_status = COALESCE($4::text, last_sync_status),
		       last_sync_error  = CASE WHEN $4::text IS NULL THEN last_sync_error ELSE $5::text END,
		       last_sync_at     = CASE WHEN $6::boolean THEN NOW() ELSE last_sync_at END,
		       updated_at       = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
		   AND ($7::text IS NULL OR status = $7::text)
		RETURNING` + connectionColumns

	var lastSyncStatus, requireStatus sql.NullString
	if params.LastSyncStatus != nil {
		lastSyncStatus = sql.NullString{String: string(*params.LastSyncStatus), Valid: true}
	}
	if params.RequireCurrentStatus != nil {
		requireStatus = sql.NullString{String: string(*params.RequireCurrentStatus), Valid: true}
	}

	row := r.db.QueryRowContext(ctx, query,
		id,
		tenantID,
		string(params.Status),
		lastSyncStatus,
		nullString(params.LastSyncError),
		params.TouchLastSyncAt,
		requireStatus,
	)
	conn, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "set status of connection %s", id)
	}
	return conn, nil
}

func (r *connectionRepository) Transition(ctx context.Context, tenantID, id string, current, next models.ConnectionStatus) (bool, error) {
	const query = `
		UPDATE tenant.connections
		   SET status = $4, updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND status = $3 AND deleted_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, id, tenantID, string(current), string(next))
	if err != nil {
		return false, errors.Wrapf(err, "transition connection %s", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return affected == 1, nil
}

func (r *connectionRepository) SetVerificationResult(ctx context.Context, tenantID, id string, params VerificationResultParams) (*models.Connection, error) {
	query := `
		UPDATE tenant.connections
		   SET last_verification_at    = NOW(),
		       last_verification_error = $3,
		       latest_options          = COALESCE($4::jsonb, latest_options),
		       updated_at              = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
		RETURNING` + connectionColumns

	var verificationErr *string
	if params.Outcome == models.VerificationFailed {
		msg := "verification failed"
		if params.Error != nil && *params.Error != "" {
			msg = *params.Error
		}
		verificationErr = &msg
	}

	var options interface{}
	if len(params.Options) > 0 && string(params.Options) != "null" {
		options = string(params.Options)
	}

	conn, err := scanConnection(r.db.QueryRowContext(ctx, query, id, tenantID, nullString(verificationErr), options))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "set verification result of connection %s", id)
	}
	return conn, nil
}

func scanConnection(scanner interface {
	Scan(dest ...interface{}) error
}) (*models.Connection, error) {
	var (
		conn             models.Connection
		lastSyncStatus   sql.NullString
		lastSyncAt       sql.NullTime
		lastSyncError    sql.NullString
		lastVerifyAt     sql.NullTime
		lastVerifyError  sql.NullString
		latestOptionsRaw []byte
		settingsRaw      []byte
	)

	if err := scanner.Scan(
		&conn.ID,
		&conn.TenantID,
		&conn.Type,
		&conn.Status,
		&lastSyncStatus,
		&lastSyncAt,
		&lastSyncError,
		&lastVerifyAt,
		&lastVerifyError,
		&latestOptionsRaw,
		&conn.Enabled,
		&settingsRaw,
		&conn.Credentials,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if lastSyncStatus.Valid {
		s := models.SyncResult(lastSyncStatus.String)
		conn.LastSyncStatus = &s
	}
	if lastSyncAt.Valid {
		t := lastSyncAt.Time
		conn.LastSyncAt = &t
	}
	if lastSyncError.Valid {
		v := lastSyncError.String
		conn.LastSyncError = &v
	}
	if lastVerifyAt.Valid {
		t := lastVerifyAt.Time
		conn.LastVerificationAt = &t
	}
	if lastVerifyError.Valid {
		v := lastVerifyError.String
		conn.LastVerificationError = &v
	}
	if len(latestOptionsRaw) > 0 {
		conn.LatestOptions = latestOptionsRaw
	}
	if len(settingsRaw) > 0 {
		conn.Settings = settingsRaw
	}
	return &conn, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
