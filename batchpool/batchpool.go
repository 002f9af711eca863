package batchpool

import (
	"fmt"
	"sync"

	"dagbft/logs"
	"dagbft/utils"

	lru "github.com/hashicorp/golang-lru"
)

// siphash 指纹密钥，全网一致即可，不做保密用途
const (
	fingerprintK0 = 0x6461676266740001
	fingerprintK1 = 0x6261746368706f6f
)

// Pool 缓存上游 mempool 提交的交易批次摘要，等待打进下一个提案
// 提交前不保证任何顺序
type Pool struct {
	mu      sync.Mutex
	pending [][]byte
	index   map[uint64]int // fingerprint -> pending 位置占位（-1 表示已出队）
	seen    *lru.Cache     // fingerprint -> struct{}，最近见过/已提交的批次
	maxSize int
	logger  logs.Logger

	submitted uint64
	dropped   uint64
}

func New(maxPending, seenCacheSize int, logger logs.Logger) *Pool {
	if maxPending <= 0 {
		maxPending = 100000
	}
	if seenCacheSize <= 0 {
		seenCacheSize = maxPending
	}
	seen, _ := lru.New(seenCacheSize)
	if logger == nil {
		logger = logs.NewNodeLogger("batchpool")
	}
	return &Pool{
		index:   make(map[uint64]int),
		seen:    seen,
		maxSize: maxPending,
		logger:  logger,
	}
}

// SubmitBatch 接收一个批次摘要
// 重复提交是 no-op；池满返回错误，让上游自己退避
func (p *Pool) SubmitBatch(digest []byte) error {
	if len(digest) == 0 {
		return fmt.Errorf("empty batch digest")
	}
	fp := utils.SipFingerprint(fingerprintK0, fingerprintK1, digest)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.index[fp]; dup {
		return nil
	}
	if p.seen.Contains(fp) {
		return nil
	}
	if len(p.pending) >= p.maxSize {
		p.dropped++
		return fmt.Errorf("batch pool full (%d pending)", len(p.pending))
	}

	cp := append([]byte(nil), digest...)
	p.index[fp] = len(p.pending)
	p.pending = append(p.pending, cp)
	p.submitted++
	return nil
}

// NextBatches 按 FIFO 取出最多 max 个批次放进提案
// 取出的批次立即离开 pending；乱序到达的提交会在块提交时经 MarkCommitted 去重
func (p *Pool) NextBatches(max int) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if max <= 0 || len(p.pending) == 0 {
		return nil
	}
	n := max
	if n > len(p.pending) {
		n = len(p.pending)
	}
	out := make([][]byte, n)
	copy(out, p.pending[:n])
	for _, digest := range out {
		fp := utils.SipFingerprint(fingerprintK0, fingerprintK1, digest)
		delete(p.index, fp)
	}
	p.pending = p.pending[n:]
	// index 里的位置信息在截断后失效，重建
	for i, digest := range p.pending {
		fp := utils.SipFingerprint(fingerprintK0, fingerprintK1, digest)
		p.index[fp] = i
	}
	return out
}

// MarkCommitted 已提交区块里的批次记入 seen，后续重复提交直接去重
func (p *Pool) MarkCommitted(batches [][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, digest := range batches {
		fp := utils.SipFingerprint(fingerprintK0, fingerprintK1, digest)
		p.seen.Add(fp, struct{}{})
		if pos, ok := p.index[fp]; ok {
			// 别的验证者先打包了同一批次，从 pending 里移除
			delete(p.index, fp)
			p.pending = append(p.pending[:pos], p.pending[pos+1:]...)
			for i := pos; i < len(p.pending); i++ {
				f := utils.SipFingerprint(fingerprintK0, fingerprintK1, p.pending[i])
				p.index[f] = i
			}
		}
	}
}

// PendingCount 当前等待打包的批次数
func (p *Pool) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Stats 返回累计提交/丢弃计数
func (p *Pool) Stats() (submitted, dropped uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitted, p.dropped
}
