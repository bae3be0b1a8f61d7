// Package gateway implements the synchronous AGP request path: resolve the
// business, construct the adapter context, invoke the verb, record the
// transaction.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenr-ai/agenr/pkg/adapter"
	"github.com/agenr-ai/agenr/pkg/audit"
	"github.com/agenr-ai/agenr/pkg/business"
	"github.com/agenr-ai/agenr/pkg/db"
	"github.com/agenr-ai/agenr/pkg/manifest"
	"github.com/agenr-ai/agenr/pkg/oauth"
	"github.com/agenr-ai/agenr/pkg/registry"
	"github.com/agenr-ai/agenr/pkg/vault"
)

// AdminOwner is the bootstrap principal used when no API key is in play.
const AdminOwner = "admin"

// Result is the success envelope for one verb invocation.
type Result struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	Data          any    `json:"data"`
}

// Metrics receives request-path counters. Implemented by pkg/telemetry.
type Metrics interface {
	RecordRequest(ctx context.Context, verb, status string)
}

type Service struct {
	dao        db.DAO
	registry   *registry.Registry
	vault      *vault.Vault
	refresher  *oauth.Refresher
	auditLog   *audit.Logger
	businesses *business.Store
	timeout    time.Duration
	client     *http.Client
	metrics    Metrics

	mu       sync.RWMutex
	profiles map[string]*adapter.Business
}

func NewService(dao db.DAO, reg *registry.Registry, v *vault.Vault, refresher *oauth.Refresher, auditLog *audit.Logger, businesses *business.Store, timeout time.Duration, client *http.Client, metrics Metrics) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Service{
		dao:        dao,
		registry:   reg,
		vault:      v,
		refresher:  refresher,
		auditLog:   auditLog,
		businesses: businesses,
		timeout:    timeout,
		client:     client,
		metrics:    metrics,
		profiles:   map[string]*adapter.Business{},
	}
}

// RegisterProfile installs an in-memory business profile, used for ephemeral
// adapters that have no database row.
func (s *Service) RegisterProfile(p *adapter.Business) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

func (s *Service) Discover(ctx context.Context, ownerKeyID, businessID string, input map[string]any) (*Result, error) {
	return s.invoke(ctx, adapter.VerbDiscover, ownerKeyID, businessID, input)
}

func (s *Service) Query(ctx context.Context, ownerKeyID, businessID string, input map[string]any) (*Result, error) {
	return s.invoke(ctx, adapter.VerbQuery, ownerKeyID, businessID, input)
}

func (s *Service) Execute(ctx context.Context, ownerKeyID, businessID string, input map[string]any) (*Result, error) {
	return s.invoke(ctx, adapter.VerbExecute, ownerKeyID, businessID, input)
}

// Status returns a transaction visible to its owner (or the admin).
func (s *Service) Status(ctx context.Context, transactionID, callerID string) (*db.Transaction, error) {
	tx, err := s.dao.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx == nil || (tx.OwnerKeyID != callerID && callerID != AdminOwner) {
		return nil, nil
	}
	return tx, nil
}

func (s *Service) invoke(ctx context.Context, verb, ownerKeyID, businessID string, input map[string]any) (*Result, error) {
	if ownerKeyID == "" {
		ownerKeyID = AdminOwner
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}

	now := db.NowMillis()
	tx := db.Transaction{
		ID:         uuid.NewString(),
		Verb:       verb,
		BusinessID: businessID,
		Input:      string(inputJSON),
		OwnerKeyID: ownerKeyID,
		Status:     db.TxStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.dao.InsertTransaction(ctx, tx); err != nil {
		return nil, err
	}

	data, err := s.run(ctx, verb, ownerKeyID, businessID, tx.ID, input)
	if err != nil {
		if txErr := s.dao.SetTransactionFailed(ctx, tx.ID, err.Error(), db.NowMillis()); txErr != nil {
			err = errors.Join(err, txErr)
		}
		s.record(ctx, verb, "failed")
		return nil, err
	}

	resultJSON, err := json.Marshal(data)
	if err != nil {
		resultJSON = []byte("null")
	}
	if err := s.dao.SetTransactionSucceeded(ctx, tx.ID, string(resultJSON), db.NowMillis()); err != nil {
		return nil, err
	}

	s.record(ctx, verb, "succeeded")
	return &Result{TransactionID: tx.ID, Status: db.TxStatusSucceeded, Data: data}, nil
}

func (s *Service) run(ctx context.Context, verb, ownerKeyID, businessID, executionID string, input map[string]any) (any, error) {
	biz, err := s.resolveBusiness(ctx, businessID, ownerKeyID)
	if err != nil {
		return nil, err
	}

	entry, err := s.registry.Resolve(biz.Platform, ownerKeyID)
	if err != nil {
		return nil, err
	}

	m := entry.Manifest
	if m == nil {
		m = manifest.NoneFor(biz.Platform)
	}

	signalCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	actx := adapter.NewContext(biz.Platform, ownerKeyID, executionID, m,
		s.credentialResolver(ownerKeyID, biz.Platform, executionID, m), s.client, signalCtx)

	a, err := entry.Factory(biz, actx)
	if err != nil {
		return nil, NewOperationError(verb, biz.Platform, err)
	}

	// The verb runs in its own goroutine so the deadline fires even when the
	// adapter ignores cancellation.
	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := adapter.Invoke(signalCtx, a, verb, input)
		done <- outcome{data, err}
	}()

	select {
	case <-signalCtx.Done():
		if errors.Is(signalCtx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Verb: verb, Platform: biz.Platform}
		}
		return nil, signalCtx.Err()
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) {
				return nil, &TimeoutError{Verb: verb, Platform: biz.Platform}
			}
			return nil, NewOperationError(verb, biz.Platform, out.err)
		}
		return out.data, nil
	}
}

// resolveBusiness checks the database, then in-memory profiles, then falls
// back to a registry-only synthetic profile for ephemeral adapters.
func (s *Service) resolveBusiness(ctx context.Context, businessID, ownerKeyID string) (*adapter.Business, error) {
	row, err := s.businesses.Get(ctx, businessID)
	if err == nil {
		if row.Status != db.BusinessStatusActive {
			return nil, fmt.Errorf("%w: %s", ErrBusinessNotFound, businessID)
		}
		return business.Profile(row), nil
	}
	if !errors.Is(err, business.ErrNotFound) {
		return nil, err
	}

	s.mu.RLock()
	profile := s.profiles[businessID]
	s.mu.RUnlock()
	if profile != nil {
		return profile, nil
	}

	if _, regErr := s.registry.Resolve(businessID, ownerKeyID); regErr == nil {
		return &adapter.Business{ID: businessID, Name: businessID, Platform: businessID}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrBusinessNotFound, businessID)
}

func (s *Service) credentialResolver(ownerKeyID, platform, executionID string, m *manifest.Manifest) adapter.CredentialResolver {
	return func(ctx context.Context, force bool) (*vault.Payload, error) {
		if m.OAuth != nil {
			s.refresher.RefreshIfNeeded(ctx, ownerKeyID, platform, m.OAuth, force)
		}

		payload, err := s.vault.Retrieve(ctx, ownerKeyID, platform)
		if err != nil {
			if errors.Is(err, vault.ErrCredentialNotFound) {
				return nil, nil
			}
			return nil, err
		}

		s.auditLog.Log(ctx, audit.Entry{
			UserID:      ownerKeyID,
			ServiceID:   platform,
			Action:      audit.ActionCredentialRetrieved,
			ExecutionID: executionID,
		})
		return payload, nil
	}
}

func (s *Service) record(ctx context.Context, verb, status string) {
	if s.metrics != nil {
		s.metrics.RecordRequest(ctx, verb, status)
	}
}
