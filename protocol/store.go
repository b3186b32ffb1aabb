package protocol

import (
	"bytes"
	"context"
	"sync"
)

// MemorySequenceStore keeps sequence counters in process memory.
// Each key has its own lock so senders never contend with each other.
type MemorySequenceStore struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	seqs  sync.Map // stream -> uint64
}

func NewMemorySequenceStore() *MemorySequenceStore {
	return &MemorySequenceStore{locks: make(map[string]*sync.Mutex)}
}

func (s *MemorySequenceStore) keyLock(stream string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[stream]
	if !ok {
		l = &sync.Mutex{}
		s.locks[stream] = l
	}
	return l
}

func (s *MemorySequenceStore) LastSequence(_ context.Context, stream string) (uint64, error) {
	v, ok := s.seqs.Load(stream)
	if !ok {
		return 0, nil
	}
	return v.(uint64), nil
}

func (s *MemorySequenceStore) SetLastSequence(_ context.Context, stream string, seq uint64) error {
	l := s.keyLock(stream)
	l.Lock()
	defer l.Unlock()
	s.seqs.Store(stream, seq)
	return nil
}

func (s *MemorySequenceStore) Advance(ctx context.Context, stream string, seq uint64) (bool, error) {
	l := s.keyLock(stream)
	l.Lock()
	defer l.Unlock()

	last, err := s.LastSequence(ctx, stream)
	if err != nil {
		return false, err
	}
	if seq <= last {
		return false, nil
	}
	s.seqs.Store(stream, seq)
	return true, nil
}

type runRound struct {
	run   string
	round uint64
}

// MemoryShareStore keeps masked update bytes per run and round in process memory.
type MemoryShareStore struct {
	mu     sync.RWMutex
	rounds map[runRound]map[string][]byte
}

func NewMemoryShareStore() *MemoryShareStore {
	return &MemoryShareStore{rounds: make(map[runRound]map[string][]byte)}
}

func (s *MemoryShareStore) Put(_ context.Context, run string, round uint64, clientID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runRound{run, round}
	r, ok := s.rounds[key]
	if !ok {
		r = make(map[string][]byte)
		s.rounds[key] = r
	}
	r[clientID] = bytes.Clone(data)
	return nil
}

func (s *MemoryShareStore) GetAll(_ context.Context, run string, round uint64) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.rounds[runRound{run, round}]
	out := make(map[string][]byte, len(stored))
	for id, data := range stored {
		out[id] = bytes.Clone(data)
	}
	return out, nil
}

func (s *MemoryShareStore) Forget(_ context.Context, run string, round uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rounds, runRound{run, round})
	return nil
}

// Rounds returns how many rounds currently hold stored updates.
func (s *MemoryShareStore) Rounds() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rounds)
}
