package dispatch

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jarrod-lowe/catalog-dispatch/internal/catalog"
	"github.com/jarrod-lowe/catalog-dispatch/internal/eventlog"
	"github.com/jarrod-lowe/catalog-dispatch/internal/notify"
	"github.com/jarrod-lowe/catalog-dispatch/internal/statedb"
)

// memStore is an in-memory Store with the same conditional semantics as
// statedb.Repository. Every method holds the mutex for its whole check and write.
type memStore struct {
	mu      sync.Mutex
	records map[catalog.Key]statedb.StateRecord
	writes  int
	now     func() time.Time

	getErr    error
	claimErr  error
	updateErr error
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[catalog.Key]statedb.StateRecord),
		now:     time.Now,
	}
}

func (s *memStore) Get(ctx context.Context, key catalog.Key) (*statedb.StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	rec, ok := s.records[key]
	if !ok {
		return nil, statedb.ErrNotFound
	}
	return &rec, nil
}

func (s *memStore) PutIfAbsent(ctx context.Context, record *statedb.StateRecord) error {
	return s.Claim(ctx, record)
}

func (s *memStore) Claim(ctx context.Context, record *statedb.StateRecord, overwritable ...statedb.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return s.claimErr
	}
	if existing, ok := s.records[record.Key]; ok && !slices.Contains(overwritable, existing.State) {
		return statedb.ErrConflict
	}
	now := s.now().UTC()
	if record.Created.IsZero() {
		record.Created = now
	}
	record.StateUpdated = now
	record.Updated = now
	s.records[record.Key] = *record
	s.writes++
	return nil
}

func (s *memStore) Update(ctx context.Context, key catalog.Key, fields statedb.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	rec, ok := s.records[key]
	if !ok {
		return statedb.ErrNotFound
	}
	if len(fields.OnlyIf) > 0 && !slices.Contains(fields.OnlyIf, rec.State) {
		return statedb.ErrConflict
	}
	if fields.Expect != nil && (fields.Expect.State != rec.State || !fields.Expect.StateUpdated.Equal(rec.StateUpdated)) {
		return statedb.ErrConflict
	}
	if fields.ForExecution != "" && rec.ExecutionARN != "" && rec.ExecutionARN != fields.ForExecution {
		return statedb.ErrConflict
	}
	now := s.now().UTC()
	rec.State = fields.State
	rec.StateUpdated = now
	rec.Updated = now
	if fields.ExecutionARN != "" {
		rec.ExecutionARN = fields.ExecutionARN
	}
	rec.LastError = fields.Error
	s.records[key] = rec
	s.writes++
	return nil
}

func (s *memStore) put(rec statedb.StateRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key] = rec
}

func (s *memStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// recordingEvents captures appended events.
type recordingEvents struct {
	mu      sync.Mutex
	batches [][]eventlog.StateEvent
	err     error
}

func (r *recordingEvents) Append(ctx context.Context, events ...eventlog.StateEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, events)
	return r.err
}

func (r *recordingEvents) all() []eventlog.StateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []eventlog.StateEvent
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

type sentMessage struct {
	channel notify.Channel
	msg     notify.Message
}

// recordingNotifier captures published messages.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (r *recordingNotifier) Publish(ctx context.Context, channel notify.Channel, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{channel: channel, msg: msg})
	return r.err
}

func (r *recordingNotifier) on(channel notify.Channel) []notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Message
	for _, s := range r.sent {
		if s.channel == channel {
			out = append(out, s.msg)
		}
	}
	return out
}
