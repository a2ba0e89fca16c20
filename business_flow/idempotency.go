package businessflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/rs/zerolog"
)

// IdempotencyClaim is the result of claiming a key.
// When Owned is false Record is the earlier request's record.
type IdempotencyClaim struct {
	Record *models.IdempotencyRecord
	Owned  bool
}

// IdempotencyStore guards mutating operations against duplicate requests
type IdempotencyStore interface {
	Claim(ctx context.Context, tenantID uint, operation, key string) (*IdempotencyClaim, error)
	Complete(ctx context.Context, claim *IdempotencyClaim, response any) error
	// Abandon removes an owned claim so a retry can run the operation again
	Abandon(ctx context.Context, claim *IdempotencyClaim) error
	PurgeCompletedBefore(ctx context.Context, before time.Time) (int64, error)
	// PurgeAbandoned deletes unfinished claims whose lease ran out before now
	PurgeAbandoned(ctx context.Context, now time.Time) (int64, error)
}

// IdempotencyStoreImpl implements IdempotencyStore on the idempotency_records table.
// An in-progress claim older than the lease belongs to a request that died and is taken over.
type IdempotencyStoreImpl struct {
	repo  repository.IdempotencyRecordRepository
	lease time.Duration
}

func NewIdempotencyStore(repo repository.IdempotencyRecordRepository, lease time.Duration) *IdempotencyStoreImpl {
	if lease <= 0 {
		lease = utils.DefaultIdempotencyLease
	}
	return &IdempotencyStoreImpl{repo: repo, lease: lease}
}

func (s *IdempotencyStoreImpl) Claim(ctx context.Context, tenantID uint, operation, key string) (*IdempotencyClaim, error) {
	// a concurrent Abandon can delete the record between the insert and the read; one retry covers it
	for range 2 {
		record := &models.IdempotencyRecord{
			TenantID:  tenantID,
			Operation: operation,
			Key:       key,
			Status:    models.IdempotencyStatusInProgress,
		}
		owned, err := s.repo.Claim(ctx, record)
		if err != nil {
			return nil, fmt.Errorf("failed to claim idempotency key: %w", err)
		}
		if owned {
			return &IdempotencyClaim{Record: record, Owned: true}, nil
		}

		existing, err := s.repo.ByScope(ctx, tenantID, operation, key)
		if err != nil {
			return nil, fmt.Errorf("failed to load idempotency record: %w", err)
		}
		if existing == nil {
			continue
		}
		now := utils.UTCNow()
		if existing.IsCompleted() || !existing.CreatedAt.Before(now.Add(-s.lease)) {
			return &IdempotencyClaim{Record: existing}, nil
		}
		// the claim outlived its lease; only one caller wins the takeover
		reclaimed, err := s.repo.Reclaim(ctx, existing.ID, now.Add(-s.lease), now)
		if err != nil {
			return nil, fmt.Errorf("failed to reclaim idempotency key: %w", err)
		}
		if reclaimed {
			existing.CreatedAt = now
			return &IdempotencyClaim{Record: existing, Owned: true}, nil
		}
	}
	return nil, fmt.Errorf("idempotency key %q for %s kept changing", key, operation)
}

func (s *IdempotencyStoreImpl) Complete(ctx context.Context, claim *IdempotencyClaim, response any) error {
	if claim == nil || !claim.Owned {
		return nil
	}
	payload, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to encode idempotent response: %w", err)
	}
	if err := s.repo.Complete(ctx, claim.Record.ID, payload); err != nil {
		return fmt.Errorf("failed to complete idempotency record: %w", err)
	}
	claim.Record.Status = models.IdempotencyStatusCompleted
	claim.Record.Response = payload
	return nil
}

func (s *IdempotencyStoreImpl) Abandon(ctx context.Context, claim *IdempotencyClaim) error {
	if claim == nil || !claim.Owned {
		return nil
	}
	if err := s.repo.Delete(ctx, claim.Record.ID); err != nil {
		return fmt.Errorf("failed to delete idempotency record: %w", err)
	}
	return nil
}

func (s *IdempotencyStoreImpl) PurgeCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.repo.PurgeCompletedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency records: %w", err)
	}
	return n, nil
}

func (s *IdempotencyStoreImpl) PurgeAbandoned(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.repo.PurgeInProgressBefore(ctx, now.Add(-s.lease))
	if err != nil {
		return 0, fmt.Errorf("failed to purge abandoned idempotency claims: %w", err)
	}
	return n, nil
}

// runIdempotent runs fn at most once per (tenant, operation, key).
// A completed earlier request is answered from its stored response, an unfinished one with inProgress().
// Business rejections are results and get stored; errors abandon the claim.
func runIdempotent[T any](
	ctx context.Context,
	store IdempotencyStore,
	logger zerolog.Logger,
	tenantID uint,
	operation, key string,
	inProgress func() *T,
	fn func(context.Context) (*T, error),
) (*T, error) {
	if key == "" || store == nil {
		return fn(ctx)
	}

	claim, err := store.Claim(ctx, tenantID, operation, key)
	if err != nil {
		return nil, err
	}

	if !claim.Owned {
		if !claim.Record.IsCompleted() {
			return inProgress(), nil
		}
		var replay T
		if err := json.Unmarshal(claim.Record.Response, &replay); err != nil {
			return nil, fmt.Errorf("failed to decode stored response for key %q: %w", key, err)
		}
		return &replay, nil
	}

	result, err := fn(ctx)
	if err != nil {
		if aerr := store.Abandon(context.WithoutCancel(ctx), claim); aerr != nil {
			logger.Error().Err(aerr).Str("operation", operation).Str("key", key).Msg("failed to abandon idempotency claim")
		}
		return nil, err
	}

	if cerr := store.Complete(context.WithoutCancel(ctx), claim, result); cerr != nil {
		logger.Warn().Err(cerr).Str("operation", operation).Str("key", key).Msg("failed to store idempotent response")
	}
	return result, nil
}
