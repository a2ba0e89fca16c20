package businessflow

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/rs/zerolog"
)

// ReserveOptions identifies a reservation and bounds its life
type ReserveOptions struct {
	CampaignID     *uint
	IdempotencyKey string
	ExpiresAt      time.Time
}

// CreditLedger holds, releases and debits tenant credits.
// Every wallet mutation happens under a row lock on the wallet and writes a ledger entry.
type CreditLedger interface {
	GetAvailableBalance(ctx context.Context, tenantID uint) (int64, error)
	// Reserve returns the existing reservation when the key was used before
	Reserve(ctx context.Context, tenantID uint, amount int64, opts ReserveOptions) (*models.CreditReservation, error)
	// Release reports false when the reservation was no longer active
	Release(ctx context.Context, reservationID uint, reason string) (bool, error)
	Commit(ctx context.Context, reservationID uint, consumed int64) (*models.CreditReservation, error)
	// ReleaseForCampaign releases every active reservation of a campaign and returns the freed amount
	ReleaseForCampaign(ctx context.Context, tenantID, campaignID uint, reason string) (int64, error)
	// ExpireStale releases active reservations past expiry or older than maxAge
	ExpireStale(ctx context.Context, now time.Time, maxAge time.Duration) (int, error)
}

// CreditLedgerImpl implements CreditLedger on the wallet, reservation and transaction tables
type CreditLedgerImpl struct {
	tx              repository.Transactor
	walletRepo      repository.CreditWalletRepository
	reservationRepo repository.CreditReservationRepository
	transactionRepo repository.CreditTransactionRepository
	expireBatch     int
	logger          zerolog.Logger
}

// NewCreditLedger creates a new credit ledger
func NewCreditLedger(
	tx repository.Transactor,
	walletRepo repository.CreditWalletRepository,
	reservationRepo repository.CreditReservationRepository,
	transactionRepo repository.CreditTransactionRepository,
	logger zerolog.Logger,
) *CreditLedgerImpl {
	return &CreditLedgerImpl{
		tx:              tx,
		walletRepo:      walletRepo,
		reservationRepo: reservationRepo,
		transactionRepo: transactionRepo,
		expireBatch:     500,
		logger:          logger.With().Str("component", "credit_ledger").Logger(),
	}
}

func (l *CreditLedgerImpl) GetAvailableBalance(ctx context.Context, tenantID uint) (int64, error) {
	wallet, err := l.walletRepo.ByTenantID(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to load wallet for tenant %d: %w", tenantID, err)
	}
	if wallet == nil {
		return 0, nil
	}
	return wallet.Available(), nil
}

func (l *CreditLedgerImpl) Reserve(ctx context.Context, tenantID uint, amount int64, opts ReserveOptions) (*models.CreditReservation, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if opts.IdempotencyKey == "" {
		return nil, ErrReservationKeyRequired
	}
	if opts.ExpiresAt.IsZero() {
		opts.ExpiresAt = utils.UTCNowAdd(utils.DefaultReservationTTL)
	}

	var reservation *models.CreditReservation
	err := l.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		wallet, err := l.walletRepo.ByTenantIDForUpdate(txCtx, tenantID)
		if err != nil {
			return fmt.Errorf("failed to lock wallet: %w", err)
		}

		// checked under the wallet lock so concurrent retries of the same key serialize here
		existing, err := l.reservationRepo.ByTenantAndKey(txCtx, tenantID, opts.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("failed to load reservation: %w", err)
		}
		if existing != nil {
			if !existing.IsActive() {
				return fmt.Errorf("reservation %d is %s: %w", existing.ID, existing.Status, ErrReservationNotActive)
			}
			reservation = existing
			return nil
		}

		if wallet == nil || wallet.Available() < amount {
			return ErrInsufficientCredits
		}

		res := &models.CreditReservation{
			TenantID:       tenantID,
			CampaignID:     opts.CampaignID,
			Amount:         amount,
			Status:         models.ReservationStatusActive,
			IdempotencyKey: opts.IdempotencyKey,
			ExpiresAt:      opts.ExpiresAt,
		}
		if err := l.reservationRepo.Save(txCtx, res); err != nil {
			return fmt.Errorf("failed to create reservation: %w", err)
		}

		reserved := wallet.ReservedBalance + amount
		if err := l.walletRepo.UpdateBalances(txCtx, wallet.ID, wallet.Balance, reserved); err != nil {
			return fmt.Errorf("failed to update wallet: %w", err)
		}
		if err := l.appendEntry(txCtx, wallet, res.ID, models.CreditTransactionReserve, amount, wallet.Balance, reserved, "credits reserved"); err != nil {
			return err
		}

		reservation = res
		return nil
	})
	if err != nil {
		ledgerOperationsTotal.WithLabelValues("reserve", resultLabel(err)).Inc()
		return nil, err
	}

	ledgerOperationsTotal.WithLabelValues("reserve", "ok").Inc()
	return reservation, nil
}

func (l *CreditLedgerImpl) Release(ctx context.Context, reservationID uint, reason string) (bool, error) {
	released := false
	err := l.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		res, err := l.reservationRepo.ByID(txCtx, reservationID)
		if err != nil {
			return fmt.Errorf("failed to load reservation: %w", err)
		}
		if res == nil {
			return ErrReservationNotFound
		}
		if !res.IsActive() {
			return nil
		}

		wallet, err := l.walletRepo.ByTenantIDForUpdate(txCtx, res.TenantID)
		if err != nil {
			return fmt.Errorf("failed to lock wallet: %w", err)
		}
		if wallet == nil {
			return ErrWalletNotFound
		}

		ok, err := l.reservationRepo.MarkReleased(txCtx, res.ID, reason, utils.UTCNow())
		if err != nil {
			return fmt.Errorf("failed to release reservation: %w", err)
		}
		if !ok {
			return nil
		}

		reserved := max(wallet.ReservedBalance-res.Amount, 0)
		if err := l.walletRepo.UpdateBalances(txCtx, wallet.ID, wallet.Balance, reserved); err != nil {
			return fmt.Errorf("failed to update wallet: %w", err)
		}
		if err := l.appendEntry(txCtx, wallet, res.ID, models.CreditTransactionRelease, res.Amount, wallet.Balance, reserved, "released: "+reason); err != nil {
			return err
		}

		released = true
		return nil
	})
	if err != nil {
		ledgerOperationsTotal.WithLabelValues("release", resultLabel(err)).Inc()
		return false, err
	}

	result := "noop"
	if released {
		result = "ok"
	}
	ledgerOperationsTotal.WithLabelValues("release", result).Inc()
	return released, nil
}

func (l *CreditLedgerImpl) Commit(ctx context.Context, reservationID uint, consumed int64) (*models.CreditReservation, error) {
	var out *models.CreditReservation
	err := l.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		res, err := l.reservationRepo.ByID(txCtx, reservationID)
		if err != nil {
			return fmt.Errorf("failed to load reservation: %w", err)
		}
		if res == nil {
			return ErrReservationNotFound
		}
		out = res
		if !res.IsActive() {
			return nil
		}

		wallet, err := l.walletRepo.ByTenantIDForUpdate(txCtx, res.TenantID)
		if err != nil {
			return fmt.Errorf("failed to lock wallet: %w", err)
		}
		if wallet == nil {
			return ErrWalletNotFound
		}

		debit := min(max(consumed, 0), res.Amount)
		now := utils.UTCNow()
		ok, err := l.reservationRepo.MarkCommitted(txCtx, res.ID, debit, now)
		if err != nil {
			return fmt.Errorf("failed to commit reservation: %w", err)
		}
		if !ok {
			return nil
		}

		balance := wallet.Balance - debit
		reserved := max(wallet.ReservedBalance-res.Amount, 0)
		if err := l.walletRepo.UpdateBalances(txCtx, wallet.ID, balance, reserved); err != nil {
			return fmt.Errorf("failed to update wallet: %w", err)
		}
		if err := l.appendEntry(txCtx, wallet, res.ID, models.CreditTransactionCommit, debit, balance, reserved, "credits consumed"); err != nil {
			return err
		}

		res.Status = models.ReservationStatusCommitted
		res.ConsumedAmount = debit
		res.CommittedAt = &now
		return nil
	})
	if err != nil {
		ledgerOperationsTotal.WithLabelValues("commit", resultLabel(err)).Inc()
		return nil, err
	}

	ledgerOperationsTotal.WithLabelValues("commit", "ok").Inc()
	return out, nil
}

func (l *CreditLedgerImpl) ReleaseForCampaign(ctx context.Context, tenantID, campaignID uint, reason string) (int64, error) {
	active, err := l.reservationRepo.ActiveByCampaign(ctx, tenantID, campaignID)
	if err != nil {
		return 0, fmt.Errorf("failed to list reservations of campaign %d: %w", campaignID, err)
	}

	var freed int64
	var firstErr error
	for _, res := range active {
		ok, err := l.Release(ctx, res.ID, reason)
		if err != nil {
			l.logger.Error().Err(err).Uint("reservation_id", res.ID).Uint("campaign_id", campaignID).Str("reason", reason).Msg("failed to release reservation")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			freed += res.Amount
		}
	}
	return freed, firstErr
}

func (l *CreditLedgerImpl) ExpireStale(ctx context.Context, now time.Time, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = utils.DefaultReservationMaxAge
	}
	candidates, err := l.reservationRepo.ListReclaimable(ctx, now, maxAge, l.expireBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list reclaimable reservations: %w", err)
	}

	expired := 0
	for _, res := range candidates {
		if !res.IsReclaimable(now, maxAge) {
			continue
		}
		ok, err := l.Release(ctx, res.ID, utils.ReleaseReasonExpired)
		if err != nil {
			l.logger.Error().Err(err).Uint("reservation_id", res.ID).Msg("failed to expire reservation")
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		l.logger.Info().Int("count", expired).Msg("expired stale reservations")
	}
	return expired, nil
}

func (l *CreditLedgerImpl) appendEntry(ctx context.Context, wallet *models.CreditWallet, reservationID uint, kind models.CreditTransactionType, amount, balanceAfter, reservedAfter int64, description string) error {
	entry := &models.CreditTransaction{
		TenantID:      wallet.TenantID,
		WalletID:      wallet.ID,
		ReservationID: utils.ToPtr(reservationID),
		Type:          kind,
		Amount:        amount,
		BalanceAfter:  balanceAfter,
		ReservedAfter: reservedAfter,
		Description:   description,
		CreatedAt:     utils.UTCNow(),
	}
	if err := l.transactionRepo.Save(ctx, entry); err != nil {
		return fmt.Errorf("failed to write ledger entry: %w", err)
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsInsufficientCredits(err):
		return "insufficient"
	default:
		return "error"
	}
}
