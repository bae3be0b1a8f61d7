package db

import (
	"context"
	"database/sql"
	"errors"
)

type AuditDAO interface {
	InsertAuditEntry(ctx context.Context, e AuditEntry) error
	LatestAuditEntry(ctx context.Context) (*AuditEntry, error)
	ListAuditEntries(ctx context.Context, limit int) ([]AuditEntry, error)
	ListAuditEntriesAsc(ctx context.Context) ([]AuditEntry, error)
}

type AuditEntry struct {
	ID          string         `db:"id"`
	UserID      string         `db:"user_id"`
	ServiceID   string         `db:"service_id"`
	Action      string         `db:"action"`
	ExecutionID sql.NullString `db:"execution_id"`
	IPAddress   sql.NullString `db:"ip_address"`
	Metadata    sql.NullString `db:"metadata"`
	Timestamp   int64          `db:"timestamp"`
	PrevHash    string         `db:"prev_hash"`
}

const auditColumns = `id, user_id, service_id, action, execution_id, ip_address, metadata, timestamp, prev_hash`

func (d *dao) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	const query = `INSERT INTO credential_audit_log (` + auditColumns + `)
		VALUES (:id, :user_id, :service_id, :action, :execution_id, :ip_address, :metadata, :timestamp, :prev_hash)`

	_, err := d.db.NamedExecContext(ctx, query, e)
	return err
}

func (d *dao) LatestAuditEntry(ctx context.Context) (*AuditEntry, error) {
	const query = `SELECT ` + auditColumns + ` FROM credential_audit_log ORDER BY timestamp DESC, id DESC LIMIT 1`

	var e AuditEntry
	err := d.db.GetContext(ctx, &e, query)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func (d *dao) ListAuditEntries(ctx context.Context, limit int) ([]AuditEntry, error) {
	const query = `SELECT ` + auditColumns + ` FROM credential_audit_log ORDER BY timestamp DESC, id DESC LIMIT $1`

	var out []AuditEntry
	if err := d.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *dao) ListAuditEntriesAsc(ctx context.Context) ([]AuditEntry, error) {
	const query = `SELECT ` + auditColumns + ` FROM credential_audit_log ORDER BY timestamp ASC, id ASC`

	var out []AuditEntry
	if err := d.db.SelectContext(ctx, &out, query); err != nil {
		return nil, err
	}
	return out, nil
}
