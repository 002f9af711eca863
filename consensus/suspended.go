package consensus

import (
	"sync"
	"time"

	"dagbft/config"
	"dagbft/interfaces"
	"dagbft/logs"
	"dagbft/types"
)

// ============================================
// Suspended Buffer
// ============================================

// SuspendedBuffer 悬挂区块缓冲
// 存放因缺失祖先暂时无法插入 DAG 的区块，支持多源重试。
// 每次重试重新对照 DAG 计算还缺什么，缺口补齐后通过 onReady 回调
// 把区块重新注入处理流程
type SuspendedBuffer struct {
	mu       sync.RWMutex
	pending  map[string]*suspendedEntry // digest -> entry
	dag      *DAG
	fetcher  *Fetcher
	events   interfaces.EventBus
	logger   logs.Logger
	cfg      config.FetchConfig
	onReady  func(b *types.Block, fromPeer types.NodeID)
	stopChan chan struct{}
	stopOnce sync.Once
}

type suspendedEntry struct {
	block      *types.Block
	digest     string
	sources    []types.NodeID // 来源节点列表，重试时轮询
	missing    []types.BlockRef
	retryCount int
	nextRetry  time.Time
}

func NewSuspendedBuffer(
	dag *DAG,
	fetcher *Fetcher,
	events interfaces.EventBus,
	logger logs.Logger,
	cfg config.FetchConfig,
	onReady func(b *types.Block, fromPeer types.NodeID),
) *SuspendedBuffer {
	return &SuspendedBuffer{
		pending:  make(map[string]*suspendedEntry),
		dag:      dag,
		fetcher:  fetcher,
		events:   events,
		logger:   logger,
		cfg:      cfg,
		onReady:  onReady,
		stopChan: make(chan struct{}),
	}
}

// Start 启动重试循环
func (s *SuspendedBuffer) Start() {
	go s.retryLoop()
}

func (s *SuspendedBuffer) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// Add 悬挂一个缺祖先的区块并立即发起拉取
// 同一摘要已悬挂时只追加来源
func (s *SuspendedBuffer) Add(b *types.Block, missing []types.BlockRef, fromPeer types.NodeID) {
	digest := b.ComputeDigest()

	s.mu.Lock()
	if entry, exists := s.pending[digest]; exists {
		found := false
		for _, src := range entry.sources {
			if src == fromPeer {
				found = true
				break
			}
		}
		if !found && fromPeer != "" {
			entry.sources = append(entry.sources, fromPeer)
		}
		s.mu.Unlock()
		return
	}

	sources := []types.NodeID{}
	// 作者本人一定有全部祖先，放在轮询首位
	if b.Author != fromPeer {
		sources = append(sources, b.Author)
	}
	if fromPeer != "" {
		sources = append(sources, fromPeer)
	}
	entry := &suspendedEntry{
		block:     b,
		digest:    digest,
		sources:   sources,
		missing:   missing,
		nextRetry: time.Now().Add(s.cfg.RetryDelay),
	}
	s.pending[digest] = entry
	s.mu.Unlock()

	s.logger.Debug("suspended block %s@%d (%s), missing %d ancestors",
		b.Author, b.Round, types.ShortDigest(digest), len(missing))
	s.events.Publish(types.BaseEvent{EventType: types.EventBlockSuspended, EventData: b})

	s.fetcher.Request(missing, s.pickSource(entry, 0))
}

// pickSource 按重试次数轮询来源
func (s *SuspendedBuffer) pickSource(entry *suspendedEntry, attempt int) types.NodeID {
	if len(entry.sources) == 0 {
		return ""
	}
	return entry.sources[attempt%len(entry.sources)]
}

func (s *SuspendedBuffer) retryLoop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.processRetries()
		}
	}
}

func (s *SuspendedBuffer) processRetries() {
	s.mu.Lock()
	now := time.Now()
	var due []*suspendedEntry
	var expired []string
	for digest, entry := range s.pending {
		if !now.After(entry.nextRetry) {
			continue
		}
		if entry.retryCount >= s.cfg.MaxRetries {
			expired = append(expired, digest)
			continue
		}
		due = append(due, entry)
	}
	for _, digest := range expired {
		s.logger.Warn("suspended block %s exceeded max retries, dropping", types.ShortDigest(digest))
		delete(s.pending, digest)
	}
	s.mu.Unlock()

	for _, entry := range due {
		s.retryResolve(entry)
	}
}

// retryResolve 重新对照 DAG 检查缺口
func (s *SuspendedBuffer) retryResolve(entry *suspendedEntry) {
	missing := s.dag.MissingAncestors(entry.block)
	if len(missing) == 0 {
		s.release(entry)
		return
	}

	s.mu.Lock()
	entry.retryCount++
	entry.missing = missing
	delay := s.cfg.RetryDelay * time.Duration(1<<uint(entry.retryCount))
	if delay > s.cfg.MaxDelay {
		delay = s.cfg.MaxDelay
	}
	entry.nextRetry = time.Now().Add(delay)
	attempt := entry.retryCount
	s.mu.Unlock()

	s.logger.Debug("block %s still missing %d ancestors (retry %d/%d)",
		types.ShortDigest(entry.digest), len(missing), attempt, s.cfg.MaxRetries)
	s.fetcher.Request(missing, s.pickSource(entry, attempt))
}

// release 祖先齐了，重新注入处理流程
func (s *SuspendedBuffer) release(entry *suspendedEntry) {
	s.mu.Lock()
	delete(s.pending, entry.digest)
	var from types.NodeID
	if len(entry.sources) > 0 {
		from = entry.sources[len(entry.sources)-1]
	}
	s.mu.Unlock()

	s.logger.Debug("suspended block %s released", types.ShortDigest(entry.digest))
	if s.onReady != nil {
		s.onReady(entry.block, from)
	}
}

// NotifyArrived 有新区块进 DAG 时调用：立即重查引用该摘要的悬挂块
func (s *SuspendedBuffer) NotifyArrived(digest string) {
	s.mu.Lock()
	for _, entry := range s.pending {
		for _, ref := range entry.missing {
			if ref.Digest == digest {
				entry.nextRetry = time.Now()
				break
			}
		}
	}
	s.mu.Unlock()
}

// Has 摘要是否在悬挂中
func (s *SuspendedBuffer) Has(digest string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pending[digest]
	return ok
}

// Count 当前悬挂区块数
func (s *SuspendedBuffer) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}
