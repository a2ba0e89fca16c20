package businessflow

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/amirphl/orochi-dispatch/app/services"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type passthroughTx struct{}

func (passthroughTx) WithTransaction(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// memDB backs the in-memory repositories used by flow tests
type memDB struct {
	mu            sync.Mutex
	nextID        uint
	campaigns     map[uint]*models.Campaign
	recipients    []*models.CampaignRecipient
	wallets       map[uint]*models.CreditWallet
	reservations  map[uint]*models.CreditReservation
	transactions  []*models.CreditTransaction
	subscriptions map[uint]*models.Subscription
	idempotency   map[uint]*models.IdempotencyRecord
	batches       map[string]*models.DispatchBatch
	metadata      map[uint]map[models.CampaignMetadataKey]string
	audits        []*models.AuditLog
	// beforeCAS runs under the lock ahead of each status compare-and-set
	beforeCAS func(c *models.Campaign)
}

func newMemDB() *memDB {
	return &memDB{
		campaigns:     map[uint]*models.Campaign{},
		wallets:       map[uint]*models.CreditWallet{},
		reservations:  map[uint]*models.CreditReservation{},
		subscriptions: map[uint]*models.Subscription{},
		idempotency:   map[uint]*models.IdempotencyRecord{},
		batches:       map[string]*models.DispatchBatch{},
		metadata:      map[uint]map[models.CampaignMetadataKey]string{},
	}
}

func (m *memDB) id() uint {
	m.nextID++
	return m.nextID
}

// campaigns

type fakeCampaignRepo struct {
	repository.CampaignRepository
	db *memDB
}

func (r fakeCampaignRepo) ByID(_ context.Context, id uint) (*models.Campaign, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.campaigns[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r fakeCampaignRepo) ByIDForTenant(ctx context.Context, tenantID, id uint) (*models.Campaign, error) {
	c, err := r.ByID(ctx, id)
	if c == nil || err != nil || c.TenantID != tenantID {
		return nil, err
	}
	return c, nil
}

func (r fakeCampaignRepo) ByIDForUpdate(ctx context.Context, id uint) (*models.Campaign, error) {
	return r.ByID(ctx, id)
}

func (r fakeCampaignRepo) UpdateStatusCAS(_ context.Context, tenantID, id uint, from []models.CampaignStatus, to models.CampaignStatus, change repository.CampaignStatusChange) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.campaigns[id]
	if ok && r.db.beforeCAS != nil {
		r.db.beforeCAS(c)
	}
	if !ok || c.TenantID != tenantID || !slices.Contains(from, c.Status) {
		return false, nil
	}
	c.Status = to
	c.UpdatedAt = utils.UTCNow()
	if change.StartedAt != nil {
		c.StartedAt = change.StartedAt
	}
	if change.ClearStartedAt {
		c.StartedAt = nil
	}
	if change.FinishedAt != nil {
		c.FinishedAt = change.FinishedAt
	}
	if change.ScheduleAt != nil {
		c.ScheduleAt = change.ScheduleAt
	}
	if change.ScheduleType != nil {
		c.ScheduleType = *change.ScheduleType
	}
	return true, nil
}

func (r fakeCampaignRepo) ListByStatus(_ context.Context, status models.CampaignStatus, afterID uint, limit int) ([]*models.Campaign, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*models.Campaign
	for _, c := range r.db.campaigns {
		if c.Status == status && c.ID > afterID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r fakeCampaignRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*models.Campaign, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*models.Campaign
	for _, c := range r.db.campaigns {
		if c.IsDue(now) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduleAt.Equal(*out[j].ScheduleAt) {
			return out[i].ScheduleAt.Before(*out[j].ScheduleAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r fakeCampaignRepo) Touch(_ context.Context, tenantID, id uint) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if c, ok := r.db.campaigns[id]; ok && c.TenantID == tenantID {
		c.UpdatedAt = utils.UTCNow()
	}
	return nil
}

// recipients

type fakeRecipientRepo struct {
	repository.CampaignRecipientRepository
	db *memDB
}

func (r fakeRecipientRepo) InsertSkipDuplicates(_ context.Context, rows []*models.CampaignRecipient) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	seen := map[string]bool{}
	for _, row := range r.db.recipients {
		seen[fmt.Sprintf("%d/%s", row.CampaignID, row.Destination)] = true
	}
	var inserted int64
	for _, row := range rows {
		key := fmt.Sprintf("%d/%s", row.CampaignID, row.Destination)
		if seen[key] {
			continue
		}
		seen[key] = true
		cp := *row
		cp.ID = r.db.id()
		if cp.Status == "" {
			cp.Status = models.RecipientStatusPending
		}
		cp.CreatedAt = utils.UTCNow()
		cp.UpdatedAt = cp.CreatedAt
		r.db.recipients = append(r.db.recipients, &cp)
		inserted++
	}
	return inserted, nil
}

func (r fakeRecipientRepo) PendingIDs(_ context.Context, tenantID, campaignID uint) ([]uint, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var ids []uint
	for _, row := range r.db.recipients {
		if row.TenantID == tenantID && row.CampaignID == campaignID && row.IsDispatchPending() {
			ids = append(ids, row.ID)
		}
	}
	return ids, nil
}

func (r fakeRecipientRepo) CountPending(ctx context.Context, tenantID, campaignID uint) (int64, error) {
	ids, _ := r.PendingIDs(ctx, tenantID, campaignID)
	return int64(len(ids)), nil
}

func (r fakeRecipientRepo) Counts(_ context.Context, tenantID, campaignID uint) (models.RecipientCounts, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var c models.RecipientCounts
	for _, row := range r.db.recipients {
		if row.TenantID != tenantID || row.CampaignID != campaignID {
			continue
		}
		c.Recipients++
		if row.IsAccepted() {
			c.Accepted++
		}
		switch {
		case models.IsDeliveredStatus(row.DeliveryStatus):
			c.Delivered++
		case row.Status == models.RecipientStatusFailed || models.IsFailedDeliveryStatus(row.DeliveryStatus):
			c.Failed++
		}
	}
	return c, nil
}

func (r fakeRecipientRepo) MarkPendingCancelled(_ context.Context, tenantID, campaignID uint) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for _, row := range r.db.recipients {
		if row.TenantID == tenantID && row.CampaignID == campaignID && row.IsDispatchPending() {
			row.Status = models.RecipientStatusCancelled
			n++
		}
	}
	return n, nil
}

func (r fakeRecipientRepo) ListForStatusRefresh(_ context.Context, limit int) ([]*models.CampaignRecipient, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*models.CampaignRecipient
	for _, row := range r.db.recipients {
		if !row.IsAccepted() || models.IsTerminalDeliveryStatus(row.DeliveryStatus) {
			continue
		}
		if row.Status != models.RecipientStatusPending && row.Status != models.RecipientStatusSent {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].StatusCheckedAt, out[j].StatusCheckedAt
		switch {
		case a == nil || b == nil:
			return a == nil && b != nil
		case !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r fakeRecipientRepo) MarkStatusChecked(_ context.Context, ids []uint, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, row := range r.db.recipients {
		if slices.Contains(ids, row.ID) {
			checked := at
			row.StatusCheckedAt = &checked
		}
	}
	return nil
}

func (r fakeRecipientRepo) UpdateDelivery(_ context.Context, id uint, deliveryStatus string, status *models.RecipientStatus) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, row := range r.db.recipients {
		if row.ID == id {
			row.DeliveryStatus = &deliveryStatus
			if status != nil {
				row.Status = *status
			}
		}
	}
	return nil
}

// credit wallets, reservations and ledger entries

type fakeWalletRepo struct {
	repository.CreditWalletRepository
	db *memDB
}

func (r fakeWalletRepo) ByTenantID(_ context.Context, tenantID uint) (*models.CreditWallet, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	w, ok := r.db.wallets[tenantID]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (r fakeWalletRepo) ByTenantIDForUpdate(ctx context.Context, tenantID uint) (*models.CreditWallet, error) {
	return r.ByTenantID(ctx, tenantID)
}

func (r fakeWalletRepo) UpdateBalances(_ context.Context, id uint, balance, reserved int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, w := range r.db.wallets {
		if w.ID == id {
			w.Balance = balance
			w.ReservedBalance = reserved
			return nil
		}
	}
	return fmt.Errorf("wallet %d not found", id)
}

type fakeReservationRepo struct {
	repository.CreditReservationRepository
	db *memDB
}

func (r fakeReservationRepo) Save(_ context.Context, res *models.CreditReservation) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, existing := range r.db.reservations {
		if existing.TenantID == res.TenantID && existing.IdempotencyKey == res.IdempotencyKey {
			return fmt.Errorf("duplicate reservation key %s", res.IdempotencyKey)
		}
	}
	res.ID = r.db.id()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = utils.UTCNow()
	}
	cp := *res
	r.db.reservations[res.ID] = &cp
	return nil
}

func (r fakeReservationRepo) ByID(_ context.Context, id uint) (*models.CreditReservation, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	res, ok := r.db.reservations[id]
	if !ok {
		return nil, nil
	}
	cp := *res
	return &cp, nil
}

func (r fakeReservationRepo) ByTenantAndKey(_ context.Context, tenantID uint, key string) (*models.CreditReservation, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, res := range r.db.reservations {
		if res.TenantID == tenantID && res.IdempotencyKey == key {
			cp := *res
			return &cp, nil
		}
	}
	return nil, nil
}

func (r fakeReservationRepo) ActiveByCampaign(_ context.Context, tenantID, campaignID uint) ([]*models.CreditReservation, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*models.CreditReservation
	for _, res := range r.db.reservations {
		if res.TenantID == tenantID && res.CampaignID != nil && *res.CampaignID == campaignID && res.IsActive() {
			cp := *res
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r fakeReservationRepo) ListReclaimable(_ context.Context, now time.Time, maxAge time.Duration, limit int) ([]*models.CreditReservation, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*models.CreditReservation
	for _, res := range r.db.reservations {
		if res.IsReclaimable(now, maxAge) {
			cp := *res
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r fakeReservationRepo) MarkReleased(_ context.Context, id uint, reason string, at time.Time) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	res, ok := r.db.reservations[id]
	if !ok || !res.IsActive() {
		return false, nil
	}
	res.Status = models.ReservationStatusReleased
	res.ReleaseReason = &reason
	res.ReleasedAt = &at
	return true, nil
}

func (r fakeReservationRepo) MarkCommitted(_ context.Context, id uint, consumed int64, at time.Time) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	res, ok := r.db.reservations[id]
	if !ok || !res.IsActive() {
		return false, nil
	}
	res.Status = models.ReservationStatusCommitted
	res.ConsumedAmount = consumed
	res.CommittedAt = &at
	return true, nil
}

type fakeTransactionRepo struct {
	repository.CreditTransactionRepository
	db *memDB
}

func (r fakeTransactionRepo) Save(_ context.Context, tx *models.CreditTransaction) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	tx.ID = r.db.id()
	cp := *tx
	r.db.transactions = append(r.db.transactions, &cp)
	return nil
}

type fakeSubscriptionRepo struct {
	db *memDB
}

func (r fakeSubscriptionRepo) ByTenantID(_ context.Context, tenantID uint) (*models.Subscription, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.subscriptions[tenantID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// idempotency, batches, metadata, audit

type fakeIdempotencyRepo struct {
	db *memDB
}

func (r fakeIdempotencyRepo) Claim(_ context.Context, record *models.IdempotencyRecord) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, rec := range r.db.idempotency {
		if rec.TenantID == record.TenantID && rec.Operation == record.Operation && rec.Key == record.Key {
			return false, nil
		}
	}
	record.ID = r.db.id()
	record.CreatedAt = utils.UTCNow()
	cp := *record
	r.db.idempotency[record.ID] = &cp
	return true, nil
}

func (r fakeIdempotencyRepo) ByScope(_ context.Context, tenantID uint, operation, key string) (*models.IdempotencyRecord, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, rec := range r.db.idempotency {
		if rec.TenantID == tenantID && rec.Operation == operation && rec.Key == key {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (r fakeIdempotencyRepo) Complete(_ context.Context, id uint, response json.RawMessage) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	rec, ok := r.db.idempotency[id]
	if !ok {
		return fmt.Errorf("record %d not found", id)
	}
	rec.Status = models.IdempotencyStatusCompleted
	rec.Response = response
	rec.CompletedAt = utils.UTCNowPtr()
	return nil
}

func (r fakeIdempotencyRepo) Delete(_ context.Context, id uint) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	delete(r.db.idempotency, id)
	return nil
}

func (r fakeIdempotencyRepo) Reclaim(_ context.Context, id uint, staleBefore, now time.Time) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	rec, ok := r.db.idempotency[id]
	if !ok || rec.IsCompleted() || !rec.CreatedAt.Before(staleBefore) {
		return false, nil
	}
	rec.CreatedAt = now
	return true, nil
}

func (r fakeIdempotencyRepo) PurgeInProgressBefore(_ context.Context, before time.Time) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for id, rec := range r.db.idempotency {
		if !rec.IsCompleted() && rec.CreatedAt.Before(before) {
			delete(r.db.idempotency, id)
			n++
		}
	}
	return n, nil
}

func (r fakeIdempotencyRepo) PurgeCompletedBefore(_ context.Context, before time.Time) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for id, rec := range r.db.idempotency {
		if rec.IsCompleted() && rec.CompletedAt != nil && rec.CompletedAt.Before(before) {
			delete(r.db.idempotency, id)
			n++
		}
	}
	return n, nil
}

type fakeBatchRepo struct {
	repository.DispatchBatchRepository
	db *memDB
}

func (r fakeBatchRepo) Record(_ context.Context, batch *models.DispatchBatch) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.batches[batch.JobID]; ok && batch.Outcome == models.DispatchOutcomeSkipped {
		return nil
	}
	cp := *batch
	r.db.batches[batch.JobID] = &cp
	return nil
}

type fakeMetadataRepo struct {
	db *memDB
}

func (r fakeMetadataRepo) Upsert(_ context.Context, entries ...*models.CampaignMetadata) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, e := range entries {
		if r.db.metadata[e.CampaignID] == nil {
			r.db.metadata[e.CampaignID] = map[models.CampaignMetadataKey]string{}
		}
		r.db.metadata[e.CampaignID][e.Key] = e.Value
	}
	return nil
}

func (r fakeMetadataRepo) ByCampaign(_ context.Context, campaignID uint) (map[models.CampaignMetadataKey]string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return maps.Clone(r.db.metadata[campaignID]), nil
}

type fakeAuditRepo struct {
	repository.AuditLogRepository
	db *memDB
}

func (r fakeAuditRepo) Save(_ context.Context, entry *models.AuditLog) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cp := *entry
	r.db.audits = append(r.db.audits, &cp)
	return nil
}

// services

type fakeResolver struct {
	mu         sync.Mutex
	recipients []services.ResolvedRecipient
	err        error
}

func (r *fakeResolver) Resolve(_ context.Context, _ uint, _ models.TargetingRule) ([]services.ResolvedRecipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.recipients), r.err
}

func (r *fakeResolver) set(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recipients = make([]services.ResolvedRecipient, n)
	for i := range n {
		r.recipients[i] = services.ResolvedRecipient{Destination: fmt.Sprintf("+98912%07d", i)}
	}
}

// memQueue is an in-memory broker; tests move jobs between states the way a send worker would
type memQueue struct {
	mu         sync.Mutex
	jobs       map[string]*services.Job
	order      []string
	priorities map[string]int
	err        error
}

func newMemQueue() *memQueue {
	return &memQueue{jobs: map[string]*services.Job{}, priorities: map[string]int{}}
}

func (q *memQueue) Add(_ context.Context, name string, data services.BatchJobData, opts services.JobOptions) (*services.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	if _, ok := q.jobs[opts.JobID]; ok {
		return nil, services.ErrJobExists
	}
	job := &services.Job{
		ID:       opts.JobID,
		Name:     name,
		Data:     data,
		Attempts: opts.Attempts,
		Backoff:  opts.Backoff,
		State:    services.JobStateWaiting,
	}
	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)
	q.priorities[job.ID] = opts.Priority
	cp := *job
	return &cp, nil
}

func (q *memQueue) GetJob(_ context.Context, id string) (*services.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	job, ok := q.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (q *memQueue) list(state services.JobState) ([]*services.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	var out []*services.Job
	for _, id := range q.order {
		if job, ok := q.jobs[id]; ok && job.State == state {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (q *memQueue) GetWaiting(context.Context) ([]*services.Job, error) {
	return q.list(services.JobStateWaiting)
}

func (q *memQueue) GetActive(context.Context) ([]*services.Job, error) {
	return q.list(services.JobStateActive)
}

func (q *memQueue) GetDelayed(context.Context) ([]*services.Job, error) {
	return q.list(services.JobStateDelayed)
}

func (q *memQueue) GetCompleted(_ context.Context, limit int) ([]*services.Job, error) {
	jobs, err := q.list(services.JobStateCompleted)
	if err != nil {
		return nil, err
	}
	slices.Reverse(jobs)
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (q *memQueue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	job, ok := q.jobs[id]
	if !ok {
		return nil
	}
	if job.State == services.JobStateActive {
		return services.ErrJobActive
	}
	delete(q.jobs, id)
	q.order = slices.DeleteFunc(q.order, func(o string) bool { return o == id })
	return nil
}

// move puts a job into state; completed and failed jobs go to the end of the order
func (q *memQueue) move(id string, state services.JobState, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return
	}
	job.State = state
	job.FailedReason = reason
	if state == services.JobStateCompleted || state == services.JobStateFailed {
		job.FinishedAt = utils.UTCNowPtr()
		q.order = append(slices.DeleteFunc(q.order, func(o string) bool { return o == id }), id)
	}
}

func (q *memQueue) breakWith(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

func (q *memQueue) priority(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.priorities[id]
}

// flowEnv wires real flows over in-memory repositories, an in-memory broker and miniredis cooldowns
type flowEnv struct {
	db         *memDB
	mr         *miniredis.Miniredis
	queue      *memQueue
	resolver   *fakeResolver
	ledger     *CreditLedgerImpl
	dispatcher *BatchDispatcherImpl
	dispatch   CampaignDispatchFlow
	reconcile  ReconciliationFlow
	cooldown   services.Cooldown
	idem       IdempotencyStore
}

func newFlowEnv(t *testing.T) *flowEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	db := newMemDB()
	logger := zerolog.Nop()
	queue := newMemQueue()
	resolver := &fakeResolver{}
	ledger := NewCreditLedger(passthroughTx{}, fakeWalletRepo{db: db}, fakeReservationRepo{db: db}, fakeTransactionRepo{db: db}, logger)
	dispatcher := NewBatchDispatcher(queue, fakeBatchRepo{db: db}, BatchDispatcherConfig{BatchSize: 500, Concurrency: 3, DuplicateScan: true}, logger)
	idem := NewIdempotencyStore(fakeIdempotencyRepo{db: db}, time.Minute)

	campaigns := fakeCampaignRepo{db: db}
	recipients := fakeRecipientRepo{db: db}
	cooldown := services.NewRedisCooldown(rc, "test:")
	return &flowEnv{
		db:         db,
		mr:         mr,
		cooldown:   cooldown,
		idem:       idem,
		queue:      queue,
		resolver:   resolver,
		ledger:     ledger,
		dispatcher: dispatcher,
		dispatch: NewCampaignDispatchFlow(
			campaigns, recipients, fakeMetadataRepo{db: db}, fakeAuditRepo{db: db},
			ledger, NewSubscriptionAllowance(fakeSubscriptionRepo{db: db}), resolver, dispatcher, queue, idem,
			DispatchFlowConfig{ReleaseBackoff: time.Millisecond}, logger,
		),
		reconcile: NewReconciliationFlow(
			campaigns, recipients, fakeMetadataRepo{db: db}, fakeAuditRepo{db: db},
			ledger, dispatcher, queue, cooldown, idem,
			ReconciliationConfig{IdempotencyRetention: time.Hour}, logger,
		),
	}
}

// reconcileWith builds a reconciliation flow over the same state with its own config
func (e *flowEnv) reconcileWith(cfg ReconciliationConfig) ReconciliationFlow {
	return NewReconciliationFlow(
		fakeCampaignRepo{db: e.db}, fakeRecipientRepo{db: e.db}, fakeMetadataRepo{db: e.db}, fakeAuditRepo{db: e.db},
		e.ledger, e.dispatcher, e.queue, e.cooldown, e.idem, cfg, zerolog.Nop(),
	)
}

func (e *flowEnv) addCampaign(tenantID uint, status models.CampaignStatus) *models.Campaign {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	now := utils.UTCNow()
	c := &models.Campaign{
		ID:           e.db.id(),
		TenantID:     tenantID,
		Name:         "spring sale",
		Message:      "hello",
		Targeting:    models.TargetingRule{Type: models.TargetingAll},
		Priority:     models.CampaignPriorityNormal,
		Status:       status,
		ScheduleType: models.ScheduleTypeImmediate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	e.db.campaigns[c.ID] = c
	cp := *c
	return &cp
}

func (e *flowEnv) campaign(id uint) models.Campaign {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	return *e.db.campaigns[id]
}

func (e *flowEnv) ageCampaign(id uint, d time.Duration) {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	e.db.campaigns[id].UpdatedAt = utils.UTCNow().Add(-d)
}

func (e *flowEnv) setWallet(tenantID uint, balance int64) {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	e.db.wallets[tenantID] = &models.CreditWallet{ID: e.db.id(), TenantID: tenantID, Balance: balance}
}

func (e *flowEnv) wallet(tenantID uint) models.CreditWallet {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	return *e.db.wallets[tenantID]
}

func (e *flowEnv) setSubscription(tenantID uint, included, used int64) {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	e.db.subscriptions[tenantID] = &models.Subscription{
		ID:                   e.db.id(),
		TenantID:             tenantID,
		Plan:                 "pro",
		Status:               models.SubscriptionStatusActive,
		IncludedSMSPerPeriod: included,
		UsedSMSThisPeriod:    used,
	}
}

func (e *flowEnv) reservations() []models.CreditReservation {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	var out []models.CreditReservation
	for _, r := range e.db.reservations {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// addRecipients inserts rows directly; configure marks each row before it is stored
func (e *flowEnv) addRecipients(c *models.Campaign, n int, configure func(i int, r *models.CampaignRecipient)) {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	for i := range n {
		r := &models.CampaignRecipient{
			ID:          e.db.id(),
			TenantID:    c.TenantID,
			CampaignID:  c.ID,
			Destination: fmt.Sprintf("+98935%07d", i),
			Status:      models.RecipientStatusPending,
		}
		if configure != nil {
			configure(i, r)
		}
		e.db.recipients = append(e.db.recipients, r)
	}
}

func (e *flowEnv) audits(action string) []models.AuditLog {
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	var out []models.AuditLog
	for _, a := range e.db.audits {
		if a.Action == action {
			out = append(out, *a)
		}
	}
	return out
}

func (e *flowEnv) waitingJobs(t *testing.T) []*services.Job {
	t.Helper()
	jobs, err := e.queue.GetWaiting(context.Background())
	if err != nil {
		t.Fatalf("list waiting jobs: %v", err)
	}
	return jobs
}

func accepted(id string) func(int, *models.CampaignRecipient) {
	return func(i int, r *models.CampaignRecipient) {
		r.ProviderMessageID = utils.ToPtr(fmt.Sprintf("%s-%d", id, i))
		r.Status = models.RecipientStatusSent
	}
}
