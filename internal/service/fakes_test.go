package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wholelotofnature/loyalty-engine/internal/loyalty"
	"github.com/wholelotofnature/loyalty-engine/internal/model"
	"github.com/wholelotofnature/loyalty-engine/internal/notify"
	"github.com/wholelotofnature/loyalty-engine/internal/reward"
	"github.com/wholelotofnature/loyalty-engine/pkg/database"
)

// mockTx is a mock implementation of pgx.Tx for testing transactions.
type mockTx struct {
	commitFn   func(ctx context.Context) error
	rollbackFn func(ctx context.Context) error
}

func (m *mockTx) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("nested transactions not supported")
}

func (m *mockTx) Commit(ctx context.Context) error {
	if m.commitFn != nil {
		return m.commitFn(ctx)
	}
	return nil
}

func (m *mockTx) Rollback(ctx context.Context) error {
	if m.rollbackFn != nil {
		return m.rollbackFn(ctx)
	}
	return nil
}

func (m *mockTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}

func (m *mockTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	return nil
}

func (m *mockTx) LargeObjects() pgx.LargeObjects {
	return pgx.LargeObjects{}
}

func (m *mockTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}

func (m *mockTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (m *mockTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}

func (m *mockTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func (m *mockTx) Conn() *pgx.Conn {
	return nil
}

// mockTxBeginner is a mock implementation of TxBeginner.
type mockTxBeginner struct {
	beginFn func(ctx context.Context) (pgx.Tx, error)
}

func (m *mockTxBeginner) Begin(ctx context.Context) (pgx.Tx, error) {
	if m.beginFn != nil {
		return m.beginFn(ctx)
	}
	return &mockTx{}, nil
}

// memState is the content of memDB. Values only, so a shallow copy is a snapshot.
type memState struct {
	accounts    map[string]model.Account
	entries     []model.Transaction
	redemptions map[string]model.Redemption
	seq         int64
}

func (s memState) clone() memState {
	c := memState{
		accounts:    make(map[string]model.Account, len(s.accounts)),
		entries:     append([]model.Transaction(nil), s.entries...),
		redemptions: make(map[string]model.Redemption, len(s.redemptions)),
		seq:         s.seq,
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.redemptions {
		c.redemptions[k] = v
	}
	return c
}

// memDB is an in-memory stand-in for PostgreSQL. Transactions are fully serialized,
// which is what the account row lock guarantees for a single account.
type memDB struct {
	txMu   sync.Mutex // held for the lifetime of a transaction
	dataMu sync.Mutex // guards state
	state  memState

	beginErr   error
	commitErr  func() error
	confirmErr func() error
	commits    int
}

func newMemDB() *memDB {
	return &memDB{state: memState{
		accounts:    map[string]model.Account{},
		redemptions: map[string]model.Redemption{},
	}}
}

func (db *memDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if db.beginErr != nil {
		return nil, db.beginErr
	}
	db.txMu.Lock()
	db.dataMu.Lock()
	snapshot := db.state.clone()
	db.dataMu.Unlock()

	tx := &memTx{}
	tx.commitFn = func(context.Context) error {
		if tx.done {
			return pgx.ErrTxClosed
		}
		tx.done = true
		defer db.txMu.Unlock()
		db.commits++
		if db.commitErr != nil {
			if err := db.commitErr(); err != nil {
				db.restore(snapshot)
				return err
			}
		}
		return nil
	}
	tx.rollbackFn = func(context.Context) error {
		if tx.done {
			return pgx.ErrTxClosed
		}
		tx.done = true
		db.restore(snapshot)
		db.txMu.Unlock()
		return nil
	}
	return tx, nil
}

func (db *memDB) restore(s memState) {
	db.dataMu.Lock()
	db.state = s
	db.dataMu.Unlock()
}

type memTx struct {
	mockTx
	done bool
}

// account returns a copy of the stored row.
func (db *memDB) account(userID string) model.Account {
	db.dataMu.Lock()
	defer db.dataMu.Unlock()
	return db.state.accounts[userID]
}

func (db *memDB) setAccount(acct model.Account) {
	db.dataMu.Lock()
	defer db.dataMu.Unlock()
	db.state.accounts[acct.UserID] = acct
}

func (db *memDB) ledgerOf(userID string) []model.Transaction {
	db.dataMu.Lock()
	defer db.dataMu.Unlock()
	var out []model.Transaction
	for _, e := range db.state.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

func (db *memDB) redemptionsOf(userID string) []model.Redemption {
	db.dataMu.Lock()
	defer db.dataMu.Unlock()
	var out []model.Redemption
	for _, r := range db.state.redemptions {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (db *memDB) repositories() Repositories {
	return Repositories{
		Accounts:    &memAccounts{db: db},
		Ledger:      &memLedger{db: db},
		Redemptions: &memRedemptions{db: db},
	}
}

type memAccounts struct{ db *memDB }

func (r *memAccounts) Get(_ context.Context, userID string) (*model.Account, error) {
	r.db.dataMu.Lock()
	defer r.db.dataMu.Unlock()
	acct, ok := r.db.state.accounts[userID]
	if !ok {
		return nil, nil
	}
	return &acct, nil
}

func (r *memAccounts) GetForUpdate(_ context.Context, _ database.TxQuerier, userID string) (*model.Account, error) {
	r.db.dataMu.Lock()
	defer r.db.dataMu.Unlock()
	acct, ok := r.db.state.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &acct, nil
}

func (r *memAccounts) Create(ctx context.Context, tx database.TxQuerier, userID string, now time.Time) (*model.Account, error) {
	r.db.dataMu.Lock()
	if _, ok := r.db.state.accounts[userID]; !ok {
		r.db.state.accounts[userID] = model.Account{
			UserID:         userID,
			CurrentTier:    model.TierBronze,
			TierStartDate:  now,
			LastActivityAt: now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}
	r.db.dataMu.Unlock()
	return r.GetForUpdate(ctx, tx, userID)
}

func (r *memAccounts) update(userID string, fn func(a *model.Account) bool) bool {
	r.db.dataMu.Lock()
	defer r.db.dataMu.Unlock()
	acct, ok := r.db.state.accounts[userID]
	if !ok || !fn(&acct) {
		return false
	}
	r.db.state.accounts[userID] = acct
	return true
}

func (r *memAccounts) ApplyDelta(_ context.Context, _ database.TxQuerier, userID string, points int64, activity bool, at time.Time) (bool, error) {
	return r.update(userID, func(a *model.Account) bool {
		if a.PointsBalance-a.PointsReserved+points < 0 {
			return false
		}
		a.PointsBalance += points
		a.PointsLifetime += max(points, 0)
		if activity {
			a.LastActivityAt = at
		}
		a.UpdatedAt = at
		return true
	}), nil
}

func (r *memAccounts) Reserve(_ context.Context, _ database.TxQuerier, userID string, points int64, at time.Time) (bool, error) {
	return r.update(userID, func(a *model.Account) bool {
		if a.PointsBalance-a.PointsReserved < points {
			return false
		}
		a.PointsReserved += points
		a.UpdatedAt = at
		return true
	}), nil
}

func (r *memAccounts) ReleaseReservation(_ context.Context, _ database.TxQuerier, userID string, points int64, at time.Time) error {
	ok := r.update(userID, func(a *model.Account) bool {
		if a.PointsReserved < points {
			return false
		}
		a.PointsReserved -= points
		a.UpdatedAt = at
		return true
	})
	if !ok {
		return errors.New("no reservation to release")
	}
	return nil
}

func (r *memAccounts) SetTier(_ context.Context, _ database.TxQuerier, userID string, tier model.Tier, since time.Time) error {
	r.update(userID, func(a *model.Account) bool {
		a.CurrentTier = tier
		a.TierStartDate = since
		a.UpdatedAt = since
		return true
	})
	return nil
}

func (r *memAccounts) Overwrite(_ context.Context, _ database.TxQuerier, acct *model.Account) error {
	r.db.setAccount(*acct)
	return nil
}

func (r *memAccounts) sortedIDs(keep func(model.Account) bool, after string, limit int) []string {
	r.db.dataMu.Lock()
	defer r.db.dataMu.Unlock()
	ids := []string{}
	for id, acct := range r.db.state.accounts {
		if id > after && keep(acct) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

func (r *memAccounts) ListUserIDs(_ context.Context, after string, limit int) ([]string, error) {
	return r.sortedIDs(func(model.Account) bool { return true }, after, limit), nil
}

func (r *memAccounts) ListInactive(_ context.Context, cutoff time.Time, after string, limit int) ([]string, error) {
	return r.sortedIDs(func(a model.Account) bool { return downgradeDue(&a, cutoff) }, after, limit), nil
}

func (r *memAccounts) Leaderboard(_ context.Context, limit int) ([]model.Account, error) {
	r.db.dataMu.Lock()
	defer r.db.dataMu.Unlock()
	list := []model.Account{}
	for _, acct := range r.db.state.accounts {
		list = append(list, acct)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].PointsLifetime != list[j].PointsLifetime {
			return list[i].PointsLifetime > list[j].PointsLifetime
		}
		return list[i].UserID < list[j].UserID
	})
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (r *memAccounts) CountByTier(context.Context) (map[model.Tier]int64, error) {
	r.db.dataMu.Lock()
	defer r.db.dataMu.Unlock()
	counts := map[model.Tier]int64{}
	for _, acct := range r.db.state.accounts {
		counts[acct.CurrentTier]++
	}
	return counts, nil
}

type memLedger struct{ db *memDB }

func (l *memLedger) Insert(_ context.Context, _ database.TxQuerier, entry *model.Transaction) error {
	l.db.dataMu.Lock()
	defer l.db.dataMu.Unlock()
	if entry.Type == model.TxEarn && entry.OrderID != nil {
		for _, e := range l.db.state.entries {
			if e.UserID == entry.UserID && e.Type == model.TxEarn && e.OrderID != nil &&
				*e.OrderID == *entry.OrderID && e.Reason == entry.Reason {
				return ErrDuplicateOrder
			}
		}
	}
	l.db.state.seq++
	entry.Seq = l.db.state.seq
	l.db.state.entries = append(l.db.state.entries, *entry)
	return nil
}

func (l *memLedger) ListByUser(_ context.Context, _ database.TxQuerier, userID string) ([]model.Transaction, error) {
	return l.db.ledgerOf(userID), nil
}

func (l *memLedger) Recent(_ context.Context, userID string, limit, offset int) ([]model.Transaction, error) {
	all := l.db.ledgerOf(userID)
	out := []model.Transaction{}
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (l *memLedger) HasOrder(_ context.Context, _ database.TxQuerier, userID, orderID, reason string) (bool, error) {
	for _, e := range l.db.ledgerOf(userID) {
		if e.Type == model.TxEarn && e.OrderID != nil && *e.OrderID == orderID && e.Reason == reason {
			return true, nil
		}
	}
	return false, nil
}

func (l *memLedger) HasReason(_ context.Context, _ database.TxQuerier, userID, reason string) (bool, error) {
	for _, e := range l.db.ledgerOf(userID) {
		if e.Reason == reason {
			return true, nil
		}
	}
	return false, nil
}

func (l *memLedger) UsersWithDueLots(_ context.Context, now time.Time, after string, limit int) ([]string, error) {
	accounts := &memAccounts{db: l.db}
	return accounts.sortedIDs(func(a model.Account) bool {
		if a.PointsBalance <= a.PointsReserved {
			return false
		}
		return len(loyalty.Replay(l.db.ledgerOfLocked(a.UserID)).DueLots(now)) > 0
	}, after, limit), nil
}

// ledgerOfLocked is ledgerOf for callers already holding dataMu.
func (db *memDB) ledgerOfLocked(userID string) []model.Transaction {
	var out []model.Transaction
	for _, e := range db.state.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

func (l *memLedger) Totals(context.Context) (issued, redeemed, expired int64, err error) {
	l.db.dataMu.Lock()
	defer l.db.dataMu.Unlock()
	for _, e := range l.db.state.entries {
		switch {
		case e.Points > 0:
			issued += e.Points
		case e.Type == model.TxRedeem:
			redeemed -= e.Points
		case e.Type == model.TxExpiry:
			expired -= e.Points
		}
	}
	return issued, redeemed, expired, nil
}

type memRedemptions struct{ db *memDB }

func (r *memRedemptions) GetByKey(_ context.Context, _ database.TxQuerier, userID, key string) (*model.Redemption, error) {
	r.db.dataMu.Lock()
	defer r.db.dataMu.Unlock()
	for _, red := range r.db.state.redemptions {
		if red.UserID == userID && red.IdempotencyKey == key {
			return &red, nil
		}
	}
	return nil, nil
}

func (r *memRedemptions) Insert(_ context.Context, _ database.TxQuerier, red *model.Redemption) error {
	r.db.dataMu.Lock()
	defer r.db.dataMu.Unlock()
	for _, existing := range r.db.state.redemptions {
		if existing.UserID == red.UserID && existing.IdempotencyKey == red.IdempotencyKey {
			return ErrConcurrencyConflict
		}
	}
	r.db.state.redemptions[red.ID] = *red
	return nil
}

func (r *memRedemptions) transition(id string, from model.RedemptionStatus, fn func(*model.Redemption)) error {
	r.db.dataMu.Lock()
	defer r.db.dataMu.Unlock()
	red, ok := r.db.state.redemptions[id]
	if !ok || red.Status != from {
		return errors.New("redemption " + id + " is not " + string(from))
	}
	fn(&red)
	r.db.state.redemptions[id] = red
	return nil
}

func (r *memRedemptions) Reopen(_ context.Context, _ database.TxQuerier, red *model.Redemption) error {
	return r.transition(red.ID, model.RedemptionReleased, func(stored *model.Redemption) {
		stored.OptionID = red.OptionID
		stored.PointsCost = red.PointsCost
		stored.Status = model.RedemptionPending
		stored.RewardKind = ""
		stored.RewardCode = ""
		stored.TransactionID = nil
		stored.FailureReason = ""
		stored.UpdatedAt = red.UpdatedAt
	})
}

func (r *memRedemptions) Confirm(_ context.Context, _ database.TxQuerier, id, transactionID, rewardKind, rewardCode string, at time.Time) error {
	if r.db.confirmErr != nil {
		if err := r.db.confirmErr(); err != nil {
			return err
		}
	}
	return r.transition(id, model.RedemptionPending, func(stored *model.Redemption) {
		stored.Status = model.RedemptionConfirmed
		stored.TransactionID = &transactionID
		stored.RewardKind = rewardKind
		stored.RewardCode = rewardCode
		stored.UpdatedAt = at
	})
}

func (r *memRedemptions) Release(_ context.Context, _ database.TxQuerier, id, reason string, at time.Time) error {
	return r.transition(id, model.RedemptionPending, func(stored *model.Redemption) {
		stored.Status = model.RedemptionReleased
		stored.FailureReason = reason
		stored.UpdatedAt = at
	})
}

func (r *memRedemptions) RecordReward(_ context.Context, _ database.TxQuerier, id, rewardKind, rewardCode string, at time.Time) error {
	return r.transition(id, model.RedemptionPending, func(stored *model.Redemption) {
		stored.RewardKind = rewardKind
		stored.RewardCode = rewardCode
		stored.UpdatedAt = at
	})
}

func (r *memRedemptions) ListStalePending(_ context.Context, before time.Time, afterID string, limit int) ([]model.Redemption, error) {
	r.db.dataMu.Lock()
	defer r.db.dataMu.Unlock()
	var out []model.Redemption
	for _, red := range r.db.state.redemptions {
		if red.Status == model.RedemptionPending && red.UpdatedAt.Before(before) && red.ID > afterID {
			out = append(out, red)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRedemptions) PendingTotal(_ context.Context, _ database.TxQuerier, userID string) (int64, error) {
	var total int64
	for _, red := range r.db.redemptionsOf(userID) {
		if red.Status == model.RedemptionPending {
			total += red.PointsCost
		}
	}
	return total, nil
}

func (r *memRedemptions) ListByUser(_ context.Context, userID string, limit int) ([]model.Redemption, error) {
	all := r.db.redemptionsOf(userID)
	out := []model.Redemption{}
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (r *memRedemptions) CountConfirmed(context.Context) (int64, error) {
	r.db.dataMu.Lock()
	defer r.db.dataMu.Unlock()
	var n int64
	for _, red := range r.db.state.redemptions {
		if red.Status == model.RedemptionConfirmed {
			n++
		}
	}
	return n, nil
}

// mockIssuer is a mock implementation of reward.Issuer.
type mockIssuer struct {
	issueFn func(ctx context.Context, req reward.IssueRequest) (model.RewardArtifact, error)
}

func (m *mockIssuer) Issue(ctx context.Context, req reward.IssueRequest) (model.RewardArtifact, error) {
	if m.issueFn != nil {
		return m.issueFn(ctx, req)
	}
	return reward.NewLocalIssuer().Issue(ctx, req)
}

// recordingNotifier keeps every published event.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (n *recordingNotifier) Publish(_ context.Context, event notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var epoch = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	svc      *LoyaltyService
	db       *memDB
	issuer   *mockIssuer
	notifier *recordingNotifier
	clock    *clock
}

func newHarness(opts Options) *harness {
	return newHarnessWithRules(loyalty.DefaultRules(), opts)
}

func newHarnessWithRules(rules loyalty.Rules, opts Options) *harness {
	h := &harness{
		db:       newMemDB(),
		issuer:   &mockIssuer{},
		notifier: &recordingNotifier{},
		clock:    &clock{now: epoch},
	}
	h.svc = NewLoyaltyServiceWithTxBeginner(h.db, h.db.repositories(), rules, h.issuer, h.notifier, opts)
	h.svc.now = h.clock.Now
	return h
}

func defaultTestOptions() Options {
	opts := DefaultOptions()
	opts.BatchSize = 2
	return opts
}
