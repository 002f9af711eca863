package consensus

import (
	"sync"

	"dagbft/db"
	"dagbft/logs"
	"dagbft/types"
)

// ============================================
// 持久化 BlockStore
// ============================================

// RealBlockStore 用 badger 落盘的 BlockStore
// 提交序号和"已在日志里"集合缓存在内存，启动时从提交日志重建；
// 区块读取先走 badger 的 LSM，不另加缓存（DAG 自己有内存索引）
type RealBlockStore struct {
	mgr    *db.Manager
	logger logs.Logger

	mu          sync.RWMutex
	commitCount uint64
	inLog       map[string]bool
}

func NewRealBlockStore(mgr *db.Manager, logger logs.Logger) (*RealBlockStore, error) {
	s := &RealBlockStore{
		mgr:    mgr,
		logger: logger,
		inLog:  make(map[string]bool),
	}
	if err := mgr.ReplayCommits(func(seq uint64, digest string) error {
		s.inLog[digest] = true
		s.commitCount = seq + 1
		return nil
	}); err != nil {
		return nil, err
	}
	if s.commitCount > 0 {
		logger.Info("block store opened: commit log at %d", s.commitCount)
	}
	return s, nil
}

func (s *RealBlockStore) Put(b *types.Block) error {
	return s.mgr.SaveBlock(b)
}

func (s *RealBlockStore) Get(digest string) (*types.Block, bool) {
	b, ok, err := s.mgr.GetBlock(digest)
	if err != nil {
		s.logger.Error("read block %s: %v", types.ShortDigest(digest), err)
		return nil, false
	}
	return b, ok
}

func (s *RealBlockStore) GetByAuthorRound(author types.NodeID, round uint64) (*types.Block, bool) {
	b, ok, err := s.mgr.GetBlockByAuthorRound(author, round)
	if err != nil {
		s.logger.Error("read block %s@%d: %v", author, round, err)
		return nil, false
	}
	return b, ok
}

func (s *RealBlockStore) GetByRound(round uint64) []*types.Block {
	blocks, err := s.mgr.GetBlocksByRound(round)
	if err != nil {
		s.logger.Error("read round %d: %v", round, err)
		return nil
	}
	return blocks
}

func (s *RealBlockStore) AppendCommit(b *types.Block) (uint64, error) {
	digest := b.ComputeDigest()

	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.commitCount
	if err := s.mgr.AppendCommit(seq, digest); err != nil {
		return 0, err
	}
	s.commitCount = seq + 1
	s.inLog[digest] = true
	return seq, nil
}

func (s *RealBlockStore) CommitIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commitCount
}

func (s *RealBlockStore) CommitAt(seq uint64) (*types.Block, bool) {
	digest, ok, err := s.mgr.GetCommit(seq)
	if err != nil || !ok {
		return nil, false
	}
	return s.Get(digest)
}

func (s *RealBlockStore) IsCommitted(digest string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inLog[digest]
}

func (s *RealBlockStore) SaveEvidence(ev *types.EquivocationEvidence) error {
	return s.mgr.SaveEvidence(ev)
}

func (s *RealBlockStore) Evidence() []*types.EquivocationEvidence {
	out, err := s.mgr.LoadEvidence()
	if err != nil {
		s.logger.Error("load evidence: %v", err)
		return nil
	}
	return out
}

func (s *RealBlockStore) ReplayBlocks(fn func(*types.Block) error) error {
	return s.mgr.ReplayBlocks(fn)
}

func (s *RealBlockStore) Close() error {
	return s.mgr.Close()
}
