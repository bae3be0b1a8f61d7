package db

import (
	"context"
	"database/sql"
	"errors"
)

// ProfileDAO stores interaction profiles produced alongside generated
// adapters: free-form notes about how a platform behaves, keyed by business.
type ProfileDAO interface {
	GetInteractionProfile(ctx context.Context, businessID string) (*InteractionProfile, error)
	UpsertInteractionProfile(ctx context.Context, p InteractionProfile) error
}

type InteractionProfile struct {
	BusinessID string `db:"business_id"`
	Profile    string `db:"profile"`
	UpdatedAt  int64  `db:"updated_at"`
}

func (d *dao) GetInteractionProfile(ctx context.Context, businessID string) (*InteractionProfile, error) {
	var p InteractionProfile
	err := d.db.GetContext(ctx, &p,
		`SELECT business_id, profile, updated_at FROM interaction_profiles WHERE business_id = $1`, businessID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (d *dao) UpsertInteractionProfile(ctx context.Context, p InteractionProfile) error {
	const query = `INSERT INTO interaction_profiles (business_id, profile, updated_at)
		VALUES (:business_id, :profile, :updated_at)
		ON CONFLICT (business_id) DO UPDATE SET
			profile = excluded.profile,
			updated_at = excluded.updated_at`

	_, err := d.db.NamedExecContext(ctx, query, p)
	return err
}
