package consensus

import (
	"fmt"
	"sync"

	"dagbft/types"
)

// ============================================
// 内存 BlockStore
// ============================================

// MemoryBlockStore 纯内存的 BlockStore，仿真和测试用
// 语义与持久化实现一致：Put 返回即视为"已落盘"
type MemoryBlockStore struct {
	mu       sync.RWMutex
	blocks   map[string]*types.Block
	byRound  map[uint64]map[types.NodeID]string
	commits  []string // seq -> digest
	inLog    map[string]bool
	evidence []*types.EquivocationEvidence

	// FailPuts 测试注入：大于 0 时接下来 FailPuts 次 Put 返回错误
	FailPuts int
}

func NewMemoryBlockStore() *MemoryBlockStore {
	return &MemoryBlockStore{
		blocks:  make(map[string]*types.Block),
		byRound: make(map[uint64]map[types.NodeID]string),
		inLog:   make(map[string]bool),
	}
}

func (s *MemoryBlockStore) Put(b *types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPuts > 0 {
		s.FailPuts--
		return fmt.Errorf("injected storage failure")
	}
	digest := b.ComputeDigest()
	s.blocks[digest] = b
	if s.byRound[b.Round] == nil {
		s.byRound[b.Round] = make(map[types.NodeID]string)
	}
	s.byRound[b.Round][b.Author] = digest
	return nil
}

func (s *MemoryBlockStore) Get(digest string) (*types.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[digest]
	return b, ok
}

func (s *MemoryBlockStore) GetByAuthorRound(author types.NodeID, round uint64) (*types.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	digest, ok := s.byRound[round][author]
	if !ok {
		return nil, false
	}
	return s.blocks[digest], true
}

func (s *MemoryBlockStore) GetByRound(round uint64) []*types.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Block, 0, len(s.byRound[round]))
	for _, digest := range s.byRound[round] {
		out = append(out, s.blocks[digest])
	}
	return out
}

func (s *MemoryBlockStore) AppendCommit(b *types.Block) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	digest := b.ComputeDigest()
	if _, ok := s.blocks[digest]; !ok {
		s.blocks[digest] = b
	}
	seq := uint64(len(s.commits))
	s.commits = append(s.commits, digest)
	s.inLog[digest] = true
	return seq, nil
}

func (s *MemoryBlockStore) CommitIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.commits))
}

func (s *MemoryBlockStore) CommitAt(seq uint64) (*types.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq >= uint64(len(s.commits)) {
		return nil, false
	}
	return s.blocks[s.commits[seq]], true
}

func (s *MemoryBlockStore) IsCommitted(digest string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inLog[digest]
}

func (s *MemoryBlockStore) SaveEvidence(ev *types.EquivocationEvidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evidence = append(s.evidence, ev)
	return nil
}

func (s *MemoryBlockStore) Evidence() []*types.EquivocationEvidence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*types.EquivocationEvidence(nil), s.evidence...)
}

func (s *MemoryBlockStore) ReplayBlocks(fn func(*types.Block) error) error {
	s.mu.RLock()
	blocks := make([]*types.Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		blocks = append(blocks, b)
	}
	s.mu.RUnlock()
	for _, b := range blocks {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryBlockStore) Close() error { return nil }
