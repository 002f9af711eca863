package consensus

import (
	"sync"
	"sync/atomic"
	"time"

	"dagbft/config"
	"dagbft/interfaces"
	"dagbft/logs"
	"dagbft/types"
)

// ============================================
// 缺失祖先拉取
// ============================================

// Fetcher 向对端发 MsgFetchRequest 拉取缺失区块
// 同一摘要在途期间不重复请求；响应走正常的区块接收路径回灌，
// 这里只负责发请求和在途去重
type Fetcher struct {
	mu          sync.Mutex
	inFlight    map[string]time.Time // digest -> 请求发出时间
	self        types.NodeID
	transport   interfaces.Transport
	logger      logs.Logger
	timeout     time.Duration
	nextRequest uint32
}

func NewFetcher(self types.NodeID, transport interfaces.Transport, logger logs.Logger, cfg config.FetchConfig) *Fetcher {
	return &Fetcher{
		inFlight:  make(map[string]time.Time),
		self:      self,
		transport: transport,
		logger:    logger,
		timeout:   cfg.Timeout,
	}
}

// Request 拉取一组缺失引用
// peer 为空时随机选一个对端。在途未超时的摘要会被过滤掉
func (f *Fetcher) Request(wants []types.BlockRef, peer types.NodeID) {
	now := time.Now()

	f.mu.Lock()
	filtered := make([]types.BlockRef, 0, len(wants))
	for _, ref := range wants {
		if sent, ok := f.inFlight[ref.Digest]; ok && now.Sub(sent) < f.timeout {
			continue
		}
		f.inFlight[ref.Digest] = now
		filtered = append(filtered, ref)
	}
	f.mu.Unlock()

	if len(filtered) == 0 {
		return
	}

	if peer == "" || peer == f.self {
		sampled := f.transport.SamplePeers(f.self, 1)
		if len(sampled) == 0 {
			return
		}
		peer = sampled[0]
	}

	msg := types.Message{
		Type:      types.MsgFetchRequest,
		From:      f.self,
		RequestID: atomic.AddUint32(&f.nextRequest, 1),
		Wants:     filtered,
	}
	f.logger.Debug("fetching %d blocks from %s", len(filtered), peer)
	if err := f.transport.Send(peer, msg); err != nil {
		f.logger.Debug("fetch request to %s failed: %v", peer, err)
		// 发送失败立刻解除在途标记，下一轮重试换对端
		f.mu.Lock()
		for _, ref := range filtered {
			delete(f.inFlight, ref.Digest)
		}
		f.mu.Unlock()
	}
}

// Resolved 区块到达后清除在途标记
func (f *Fetcher) Resolved(digest string) {
	f.mu.Lock()
	delete(f.inFlight, digest)
	f.mu.Unlock()
}

// InFlight 当前在途请求数
func (f *Fetcher) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inFlight)
}
