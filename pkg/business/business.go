// Package business manages owner-scoped business profiles with slug ids.
package business

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/agenr-ai/agenr/pkg/adapter"
	"github.com/agenr-ai/agenr/pkg/db"
)

var ErrNotFound = errors.New("business not found")

const maxSlugLength = 48

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

type Store struct {
	dao db.DAO
}

func NewStore(dao db.DAO) *Store {
	return &Store{dao: dao}
}

// Input is the caller-facing business shape.
type Input struct {
	Name        string         `json:"name" validate:"required"`
	Platform    string         `json:"platform" validate:"required"`
	Location    string         `json:"location,omitempty"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
}

// Create inserts a business with a slug id derived from its name. A slug
// collision gets a 4-hex suffix; losing a unique-constraint race retries once
// with a fresh suffix.
func (s *Store) Create(ctx context.Context, ownerID string, in Input) (*db.Business, error) {
	id := ToSlug(in.Name)
	if existing, err := s.dao.GetBusiness(ctx, id); err != nil {
		return nil, err
	} else if existing != nil {
		id = suffixed(id)
	}

	row := s.buildRow(id, ownerID, in)
	if err := s.dao.InsertBusiness(ctx, row); err != nil {
		if db.IsUniqueConstraintErr(err) {
			row = s.buildRow(suffixed(ToSlug(in.Name)), ownerID, in)
			if err := s.dao.InsertBusiness(ctx, row); err != nil {
				return nil, err
			}
			return &row, nil
		}
		return nil, err
	}
	return &row, nil
}

func (s *Store) buildRow(id, ownerID string, in Input) db.Business {
	now := db.NowMillis()
	row := db.Business{
		ID:        id,
		OwnerID:   ownerID,
		Name:      in.Name,
		Platform:  strings.ToLower(strings.TrimSpace(in.Platform)),
		Status:    db.BusinessStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	row.Location = nullable(in.Location)
	row.Description = nullable(in.Description)
	row.Category = nullable(in.Category)
	if in.Preferences != nil {
		if b, err := json.Marshal(in.Preferences); err == nil {
			row.Preferences = sql.NullString{String: string(b), Valid: true}
		}
	}
	return row
}

// Get returns the business regardless of status, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*db.Business, error) {
	row, err := s.dao.GetBusiness(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNotFound
	}
	return row, nil
}

func (s *Store) Update(ctx context.Context, row db.Business) error {
	row.UpdatedAt = db.NowMillis()
	return s.dao.UpdateBusiness(ctx, row)
}

func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]db.Business, error) {
	return s.dao.ListBusinessesByOwner(ctx, ownerID)
}

func (s *Store) ListActive(ctx context.Context) ([]db.Business, error) {
	return s.dao.ListActiveBusinesses(ctx)
}

// Profile converts a row into the shape adapters receive.
func Profile(row *db.Business) *adapter.Business {
	b := &adapter.Business{
		ID:          row.ID,
		OwnerID:     row.OwnerID,
		Name:        row.Name,
		Platform:    row.Platform,
		Location:    row.Location.String,
		Description: row.Description.String,
		Category:    row.Category.String,
	}
	if row.Preferences.Valid {
		_ = json.Unmarshal([]byte(row.Preferences.String), &b.Preferences)
	}
	return b
}

// ToSlug derives a lowercase hyphenated ASCII id from a name, at most 48
// characters, falling back to "business" when nothing survives.
func ToSlug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugPattern.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLength {
		s = strings.Trim(s[:maxSlugLength], "-")
	}
	if s == "" {
		return "business"
	}
	return s
}

func suffixed(slug string) string {
	b := make([]byte, 2)
	_, _ = rand.Read(b)
	return slug + "-" + hex.EncodeToString(b)
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
