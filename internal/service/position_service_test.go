package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optledger/optledger/internal/domain"
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type memStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	lots      map[string][]domain.EntryLot
	records   []domain.ExitRecord
	audit     []domain.AuditEntry
	published [][]byte
	prices    map[string]decimal.Decimal

	lockAcquires []string
	lockHeld     map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		positions: make(map[string]domain.Position),
		lots:      make(map[string][]domain.EntryLot),
		prices:    make(map[string]decimal.Decimal),
		lockHeld:  make(map[string]bool),
	}
}

// PositionStore

func (m *memStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (m *memStore) ListOpen(ctx context.Context, brokerageID string) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, pos := range m.positions {
		if pos.Status != domain.PositionStatusClosed {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (m *memStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, pos := range m.positions {
		if pos.Status == domain.PositionStatusClosed && pos.UpdatedAt.Before(before) {
			out = append(out, pos)
		}
	}
	return out, nil
}

// lotStore adapts memStore to domain.LotStore. ApplyEntry mirrors the
// postgres store's all-or-nothing contract: position and lot land together.

type lotStore struct{ *memStore }

func (m lotStore) ApplyEntry(ctx context.Context, batch domain.EntryBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !batch.Creating {
		if _, ok := m.positions[batch.Position.ID]; !ok {
			return domain.ErrNotFound
		}
	}
	m.positions[batch.Position.ID] = batch.Position
	m.lots[batch.Position.ID] = append(m.lots[batch.Position.ID], batch.Lot)
	return nil
}

func (m lotStore) ListByPosition(ctx context.Context, positionID string) ([]domain.EntryLot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.EntryLot, len(m.lots[positionID]))
	copy(out, m.lots[positionID])
	return out, nil
}

// exitStore adapts memStore to domain.ExitRecordStore.

type exitStore struct{ *memStore }

func (m exitStore) ApplyExit(ctx context.Context, batch domain.ExitBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[batch.Position.ID] = batch.Position
	lots := make([]domain.EntryLot, len(batch.Lots))
	copy(lots, batch.Lots)
	m.lots[batch.Position.ID] = lots
	m.records = append(m.records, batch.Records...)
	return nil
}

func (m exitStore) ListByPosition(ctx context.Context, positionID string) ([]domain.ExitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ExitRecord
	for _, rec := range m.records {
		if rec.PositionID == positionID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m exitStore) ListByGroup(ctx context.Context, groupID string) ([]domain.ExitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ExitRecord
	for _, rec := range m.records {
		if rec.GroupID == groupID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// auditStore adapts memStore to domain.AuditStore.

type auditStore struct{ *memStore }

func (m auditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, domain.AuditEntry{
		ID:        int64(len(m.audit) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (m auditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out, nil
}

// priceCache adapts memStore to domain.PriceCache.

type priceCache struct{ *memStore }

func (m priceCache) SetPrice(ctx context.Context, seriesCode string, p decimal.Decimal, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[seriesCode] = p
	return nil
}

func (m priceCache) GetPrice(ctx context.Context, seriesCode string) (decimal.Decimal, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[seriesCode]
	if !ok {
		return decimal.Decimal{}, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now().UTC(), nil
}

// lockManager adapts memStore to domain.LockManager.

type lockManager struct{ *memStore }

func (m lockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockHeld[key] {
		return nil, domain.ErrLockHeld
	}
	m.lockHeld[key] = true
	m.lockAcquires = append(m.lockAcquires, key)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.lockHeld, key)
	}, nil
}

func (m lockManager) AcquireWait(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	return m.Acquire(ctx, key, ttl)
}

// signalBus adapts memStore to domain.SignalBus.

type signalBus struct{ *memStore }

func (m signalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, payload)
	return nil
}

func (m signalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newService(m *memStore) *PositionService {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPositionService(
		m, lotStore{m}, exitStore{m}, auditStore{m},
		priceCache{m}, lockManager{m}, signalBus{m}, logger,
	)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func entryParams(qty int64, unitPrice string, date string) EntryParams {
	d, _ := time.Parse("2006-01-02", date)
	return EntryParams{
		SeriesCode:        "PETR4-C-2024",
		OptionType:        domain.OptionTypeCall,
		Direction:         domain.DirectionLong,
		BrokerageID:       "broker-1",
		SourceOperationID: "op-1",
		EntryDate:         d,
		UnitPrice:         dec(unitPrice),
		Quantity:          qty,
	}
}

func auditEvents(m *memStore) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.audit))
	for _, entry := range m.audit {
		out = append(out, entry.Event)
	}
	return out
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestAddEntryOpensNewPosition(t *testing.T) {
	m := newMemStore()
	svc := newService(m)
	ctx := context.Background()

	pos, lot, err := svc.AddEntry(ctx, "", entryParams(100, "10.00", "2020-01-01"))
	require.NoError(t, err)

	assert.NotEmpty(t, pos.ID)
	assert.Equal(t, domain.PositionStatusActive, pos.Status)
	assert.Equal(t, int64(100), pos.TotalQuantity)
	assert.Equal(t, int64(100), pos.RemainingQuantity)
	assert.True(t, pos.AvgEntryPrice.Equal(dec("10.00")))
	assert.True(t, pos.TotalInvested.Equal(dec("1000.00")))
	assert.Equal(t, pos.ID, lot.PositionID)

	stored, err := svc.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, pos.ID, stored.ID)

	assert.Equal(t, []string{"entry_added"}, auditEvents(m))
	assert.Len(t, m.published, 1)
}

func TestAddEntryAppendsToOpenPosition(t *testing.T) {
	m := newMemStore()
	svc := newService(m)
	ctx := context.Background()

	pos, _, err := svc.AddEntry(ctx, "", entryParams(100, "10.00", "2020-01-01"))
	require.NoError(t, err)

	updated, lot, err := svc.AddEntry(ctx, pos.ID, entryParams(50, "12.00", "2020-01-05"))
	require.NoError(t, err)

	assert.Equal(t, pos.ID, updated.ID)
	assert.Equal(t, int64(150), updated.TotalQuantity)
	assert.True(t, updated.TotalInvested.Equal(dec("1600.00")))
	assert.Equal(t, 1, lot.Seq)

	lots, err := svc.ListLots(ctx, pos.ID)
	require.NoError(t, err)
	assert.Len(t, lots, 2)
}

func TestAddEntryOnClosedPositionStartsNewLineage(t *testing.T) {
	m := newMemStore()
	svc := newService(m)
	ctx := context.Background()

	pos, _, err := svc.AddEntry(ctx, "", entryParams(100, "10.00", "2020-01-01"))
	require.NoError(t, err)

	_, err = svc.RequestExit(ctx, pos.ID, ExitParams{
		ExitDate:  time.Now(),
		UnitPrice: dec("15.00"),
		All:       true,
	})
	require.NoError(t, err)

	closed, err := svc.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PositionStatusClosed, closed.Status)

	fresh, _, err := svc.AddEntry(ctx, pos.ID, entryParams(30, "11.00", "2020-03-01"))
	require.NoError(t, err)

	assert.NotEqual(t, pos.ID, fresh.ID)
	assert.Equal(t, domain.PositionStatusActive, fresh.Status)
	assert.Equal(t, int64(30), fresh.TotalQuantity)

	// The closed lineage is untouched history.
	old, err := svc.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, old.Status)
	assert.Equal(t, int64(0), old.RemainingQuantity)
}

func TestAddEntryValidationFailureLeavesNothingBehind(t *testing.T) {
	m := newMemStore()
	svc := newService(m)
	ctx := context.Background()

	_, _, err := svc.AddEntry(ctx, "", entryParams(0, "10.00", "2020-01-01"))
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	assert.Empty(t, m.positions)
	assert.Empty(t, m.lots)
	assert.Empty(t, auditEvents(m))
}

// failingLotStore rejects every entry batch, standing in for a store-side
// failure mid-persist.
type failingLotStore struct {
	lotStore
	err error
}

func (f failingLotStore) ApplyEntry(ctx context.Context, batch domain.EntryBatch) error {
	return f.err
}

func TestAddEntryStoreFailureLeavesNoOrphanPosition(t *testing.T) {
	m := newMemStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	storeErr := errors.New("connection reset")
	svc := NewPositionService(
		m, failingLotStore{lotStore{m}, storeErr}, exitStore{m}, auditStore{m},
		priceCache{m}, lockManager{m}, signalBus{m}, logger,
	)

	_, _, err := svc.AddEntry(context.Background(), "", entryParams(100, "10.00", "2020-01-01"))
	require.ErrorIs(t, err, storeErr)

	// No position row may claim quantity that has no backing lot.
	assert.Empty(t, m.positions)
	assert.Empty(t, m.lots)
	assert.Empty(t, auditEvents(m))
}

func TestAddEntryStoreFailureLeavesExistingPositionUntouched(t *testing.T) {
	m := newMemStore()
	svc := newService(m)
	ctx := context.Background()

	pos, _, err := svc.AddEntry(ctx, "", entryParams(100, "10.00", "2020-01-01"))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	storeErr := errors.New("connection reset")
	failing := NewPositionService(
		m, failingLotStore{lotStore{m}, storeErr}, exitStore{m}, auditStore{m},
		priceCache{m}, lockManager{m}, signalBus{m}, logger,
	)

	_, _, err = failing.AddEntry(ctx, pos.ID, entryParams(50, "12.00", "2020-01-05"))
	require.ErrorIs(t, err, storeErr)

	// Stored aggregates still match the single persisted lot.
	got, err := svc.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.TotalQuantity)
	lots, err := svc.ListLots(ctx, pos.ID)
	require.NoError(t, err)
	assert.Len(t, lots, 1)
}

func TestRequestExitPersistsBatchAtomically(t *testing.T) {
	m := newMemStore()
	svc := newService(m)
	ctx := context.Background()

	pos, _, err := svc.AddEntry(ctx, "", entryParams(100, "10.00", "2020-01-01"))
	require.NoError(t, err)
	_, _, err = svc.AddEntry(ctx, pos.ID, entryParams(50, "12.00", "2020-01-05"))
	require.NoError(t, err)

	batch, err := svc.RequestExit(ctx, pos.ID, ExitParams{
		ExitDate:  time.Now(),
		UnitPrice: dec("15.00"),
		Quantity:  120,
		Strategy:  domain.StrategyFIFO,
	})
	require.NoError(t, err)
	require.Len(t, batch, 2)

	updated, err := svc.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusPartiallyClosed, updated.Status)
	assert.Equal(t, int64(30), updated.RemainingQuantity)
	assert.True(t, updated.RealizedPnL.Equal(dec("560.00")))

	lots, err := svc.ListLots(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), lots[0].RemainingQuantity)
	assert.Equal(t, int64(30), lots[1].RemainingQuantity)

	assert.Contains(t, auditEvents(m), "exit_processed")
	assert.NotContains(t, auditEvents(m), "position_closed")
}

func TestRequestExitFullClosureEmitsClosedEvent(t *testing.T) {
	m := newMemStore()
	svc := newService(m)
	ctx := context.Background()

	pos, _, err := svc.AddEntry(ctx, "", entryParams(100, "10.00", "2020-01-01"))
	require.NoError(t, err)

	_, err = svc.RequestExit(ctx, pos.ID, ExitParams{
		ExitDate:  time.Now(),
		UnitPrice: dec("15.00"),
		All:       true,
	})
	require.NoError(t, err)

	events := auditEvents(m)
	assert.Contains(t, events, "exit_processed")
	assert.Contains(t, events, "position_closed")

	closed, err := svc.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, closed.Status)
	require.NotNil(t, closed.AvgExitPrice)
	assert.True(t, closed.AvgExitPrice.Equal(dec("15.00")))
}

func TestRequestExitErrorMutatesNothing(t *testing.T) {
	m := newMemStore()
	svc := newService(m)
	ctx := context.Background()

	pos, _, err := svc.AddEntry(ctx, "", entryParams(100, "10.00", "2020-01-01"))
	require.NoError(t, err)

	_, err = svc.RequestExit(ctx, pos.ID, ExitParams{
		ExitDate:  time.Now(),
		UnitPrice: dec("15.00"),
		Quantity:  500,
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientQuantity)

	lots, err := svc.ListLots(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), lots[0].RemainingQuantity)
	assert.Empty(t, m.records)
	assert.NotContains(t, auditEvents(m), "exit_processed")
}

func TestRequestExitUnknownPosition(t *testing.T) {
	m := newMemStore()
	svc := newService(m)

	_, err := svc.RequestExit(context.Background(), "missing", ExitParams{
		ExitDate:  time.Now(),
		UnitPrice: dec("15.00"),
		Quantity:  10,
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMutationsRunUnderPositionLock(t *testing.T) {
	m := newMemStore()
	svc := newService(m)
	ctx := context.Background()

	pos, _, err := svc.AddEntry(ctx, "", entryParams(100, "10.00", "2020-01-01"))
	require.NoError(t, err)

	_, err = svc.RequestExit(ctx, pos.ID, ExitParams{
		ExitDate:  time.Now(),
		UnitPrice: dec("15.00"),
		Quantity:  10,
	})
	require.NoError(t, err)

	assert.Contains(t, m.lockAcquires, "position:"+pos.ID)
	// Locks are released after each operation.
	assert.Empty(t, m.lockHeld)
}

func TestRequestExitFailsWhenLockHeld(t *testing.T) {
	m := newMemStore()
	svc := newService(m)
	ctx := context.Background()

	pos, _, err := svc.AddEntry(ctx, "", entryParams(100, "10.00", "2020-01-01"))
	require.NoError(t, err)

	unlock, err := lockManager{m}.Acquire(ctx, "position:"+pos.ID, time.Minute)
	require.NoError(t, err)
	defer unlock()

	_, err = svc.RequestExit(ctx, pos.ID, ExitParams{
		ExitDate:  time.Now(),
		UnitPrice: dec("15.00"),
		Quantity:  10,
	})
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestGetPositionRefreshesUnrealizedFromPriceCache(t *testing.T) {
	m := newMemStore()
	svc := newService(m)
	ctx := context.Background()

	pos, _, err := svc.AddEntry(ctx, "", entryParams(100, "10.00", "2020-01-01"))
	require.NoError(t, err)

	// Without a cached price the valuation stays unset.
	got, err := svc.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Nil(t, got.UnrealizedPnL)

	require.NoError(t, priceCache{m}.SetPrice(ctx, pos.SeriesCode, dec("13.00"), time.Now()))

	got, err = svc.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	require.NotNil(t, got.UnrealizedPnL)
	assert.True(t, got.UnrealizedPnL.Equal(dec("300.00")))

	// The read-side valuation is never written back.
	m.mu.Lock()
	persisted := m.positions[pos.ID]
	m.mu.Unlock()
	assert.Nil(t, persisted.UnrealizedPnL)
}

func TestGetPositionClearsStaleValuationOnCacheMiss(t *testing.T) {
	m := newMemStore()
	svc := newService(m)
	ctx := context.Background()

	// A quote is available at entry time, so the mutation-time recompute
	// persists a valuation.
	require.NoError(t, priceCache{m}.SetPrice(ctx, "PETR4-C-2024", dec("13.00"), time.Now()))
	pos, _, err := svc.AddEntry(ctx, "", entryParams(100, "10.00", "2020-01-01"))
	require.NoError(t, err)

	m.mu.Lock()
	persisted := m.positions[pos.ID]
	m.mu.Unlock()
	require.NotNil(t, persisted.UnrealizedPnL)

	// Once the quote expires, the read must report the valuation as unset
	// rather than serve the stale persisted figure.
	m.mu.Lock()
	delete(m.prices, "PETR4-C-2024")
	m.mu.Unlock()

	got, err := svc.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Nil(t, got.UnrealizedPnL)
}

func TestRootViewAndExpandGroup(t *testing.T) {
	m := newMemStore()
	svc := newService(m)
	ctx := context.Background()

	pos, _, err := svc.AddEntry(ctx, "", entryParams(100, "10.00", "2020-01-01"))
	require.NoError(t, err)
	_, _, err = svc.AddEntry(ctx, pos.ID, entryParams(50, "12.00", "2020-01-05"))
	require.NoError(t, err)

	batch, err := svc.RequestExit(ctx, pos.ID, ExitParams{
		ExitDate:  time.Now(),
		UnitPrice: dec("15.00"),
		Quantity:  120,
		Strategy:  domain.StrategyFIFO,
	})
	require.NoError(t, err)
	groupID := batch[0].GroupID

	root, err := svc.RootView(ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, int64(120), root.Quantity)
	assert.Equal(t, 2, root.Records)
	assert.True(t, root.ProfitLoss.Equal(dec("560.00")))

	expanded, err := svc.ExpandGroup(ctx, groupID)
	require.NoError(t, err)
	require.Len(t, expanded, 1)
	assert.Equal(t, 2, expanded[0].Sequence)
}

func TestExpandGroupUnknown(t *testing.T) {
	m := newMemStore()
	svc := newService(m)

	_, err := svc.ExpandGroup(context.Background(), "missing-group")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.RootView(context.Background(), "missing-group")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
