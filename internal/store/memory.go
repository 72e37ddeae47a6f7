package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/flowguard/internal/policy"
)

// Memory is an in-process Store. Records live in an arena indexed by
// id-1 with a secondary index by owner.
type Memory struct {
	writeMu sync.Mutex // serialises Update

	mu      sync.RWMutex
	records []policy.Record
	byOwner map[policy.Account]map[policy.ID]struct{}
	events  []policy.Event
	eventIx map[string]struct{}
	seq     int64
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		byOwner: make(map[policy.Account]map[policy.ID]struct{}),
		eventIx: make(map[string]struct{}),
	}
}

// Update runs fn against a staged view and applies it iff fn succeeds.
func (m *Memory) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	tx := &memTx{
		m:      m,
		base:   int64(len(m.records)),
		nextID: int64(len(m.records)),
		seq:    m.seq,
		dirty:  make(map[policy.ID]policy.Record),
	}
	m.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tx.commit()
	return nil
}

func (m *Memory) Get(_ context.Context, id policy.ID) (policy.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) getLocked(id policy.ID) (policy.Record, error) {
	if id <= 0 || int64(id) > int64(len(m.records)) {
		return policy.Record{}, fmt.Errorf("read policy %d: %w", id, ErrNotFound)
	}
	return m.records[id-1].Clone(), nil
}

func (m *Memory) ListByOwner(_ context.Context, owner policy.Account) ([]policy.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]policy.ID, 0, len(m.byOwner[owner]))
	for id := range m.byOwner[owner] {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	records := make([]policy.Record, 0, len(ids))
	for _, id := range ids {
		records = append(records, m.records[id-1].Clone())
	}
	return records, nil
}

func (m *Memory) Owners(_ context.Context) ([]policy.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	owners := make([]policy.Account, 0, len(m.byOwner))
	for owner, ids := range m.byOwner {
		if len(ids) > 0 {
			owners = append(owners, owner)
		}
	}
	slices.Sort(owners)
	return owners, nil
}

func (m *Memory) Count(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.records)), nil
}

func (m *Memory) Events(_ context.Context, id policy.ID) ([]policy.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := []policy.Event{}
	for _, ev := range m.events {
		if id == 0 || ev.PolicyID == id {
			events = append(events, ev)
		}
	}
	return events, nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}

// memTx stages writes until commit. Reads fall through to the committed
// arena under the read lock.
type memTx struct {
	m        *Memory
	base     int64 // committed record count
	inserted int64
	nextID   int64
	seq      int64
	dirty    map[policy.ID]policy.Record
	events   []policy.Event
}

func (t *memTx) NextID(ctx context.Context) (policy.ID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.nextID++
	return policy.ID(t.nextID), nil
}

func (t *memTx) NextSeq(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.seq++
	return t.seq, nil
}

func (t *memTx) Get(_ context.Context, id policy.ID) (policy.Record, error) {
	if rec, ok := t.dirty[id]; ok {
		return rec.Clone(), nil
	}
	return t.m.Get(context.Background(), id)
}

func (t *memTx) Insert(ctx context.Context, rec policy.Record) error {
	if _, err := t.Get(ctx, rec.ID); err == nil {
		return fmt.Errorf("write policy %d: %w", rec.ID, ErrDuplicate)
	}
	// The arena has no holes: inserts must follow the committed tail.
	if want := policy.ID(t.base + t.inserted + 1); rec.ID != want {
		return fmt.Errorf("write policy %d: expected id %d", rec.ID, want)
	}
	t.dirty[rec.ID] = rec.Clone()
	t.inserted++
	return nil
}

func (t *memTx) UpdateEvaluation(ctx context.Context, rec policy.Record) error {
	cur, err := t.Get(ctx, rec.ID)
	if err != nil {
		return err
	}
	if rec.LastEvaluatedSeq <= cur.LastEvaluatedSeq {
		return fmt.Errorf("policy %d: %w", rec.ID, ErrStale)
	}
	cur.State = rec.State
	cur.LastObservedFlowRate = rec.LastObservedFlowRate
	cur.LastEvaluatedSeq = rec.LastEvaluatedSeq
	t.dirty[rec.ID] = cur
	return nil
}

func (t *memTx) UpdateOwner(ctx context.Context, id policy.ID, owner policy.Account) error {
	cur, err := t.Get(ctx, id)
	if err != nil {
		return err
	}
	cur.Owner = owner
	t.dirty[id] = cur
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, ev policy.Event) error {
	t.events = append(t.events, ev)
	return nil
}

// commit applies staged writes. Caller holds m.mu.
func (t *memTx) commit() {
	m := t.m

	ids := make([]policy.ID, 0, len(t.dirty))
	for id := range t.dirty {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		rec := t.dirty[id]
		if int64(id) > int64(len(m.records)) {
			m.records = append(m.records, rec)
		} else {
			old := m.records[id-1]
			delete(m.byOwner[old.Owner], id)
			m.records[id-1] = rec
		}
		if m.byOwner[rec.Owner] == nil {
			m.byOwner[rec.Owner] = make(map[policy.ID]struct{})
		}
		m.byOwner[rec.Owner][id] = struct{}{}
	}

	for _, ev := range t.events {
		if _, dup := m.eventIx[ev.ID]; dup {
			continue
		}
		m.eventIx[ev.ID] = struct{}{}
		m.events = append(m.events, ev)
	}
	slices.SortStableFunc(m.events, func(a, b policy.Event) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})

	m.seq = t.seq
}
