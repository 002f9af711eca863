package consensus

import (
	"sync"
	"time"

	"dagbft/config"
	"dagbft/interfaces"
	"dagbft/logs"
	"dagbft/types"
	"dagbft/utils"

	lru "github.com/hashicorp/golang-lru"
)

// ============================================
// Gossip管理器
// ============================================

// GossipManager 区块扩散
// 自己提案的块广播给全部对端；收到的新块延迟一小段随机时间后
// 转发给 fanout 个随机对端。seen 缓存按摘要去重，
// 被本地降权的对端不在转发名单里
type GossipManager struct {
	self      types.NodeID
	transport interfaces.Transport
	rep       *Reputation
	logger    logs.Logger
	cfg       config.GossipConfig

	seen     *lru.Cache // digest -> struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewGossipManager(
	self types.NodeID,
	transport interfaces.Transport,
	rep *Reputation,
	logger logs.Logger,
	cfg config.GossipConfig,
) *GossipManager {
	seen, _ := lru.New(cfg.SeenCacheSize)
	return &GossipManager{
		self:      self,
		transport: transport,
		rep:       rep,
		logger:    logger,
		cfg:       cfg,
		seen:      seen,
		stopChan:  make(chan struct{}),
	}
}

func (gm *GossipManager) Stop() {
	gm.stopOnce.Do(func() { close(gm.stopChan) })
	gm.wg.Wait()
}

// BroadcastOwn 广播本节点新提案的块，发给全部对端
func (gm *GossipManager) BroadcastOwn(b *types.Block) {
	digest := b.ComputeDigest()
	gm.seen.Add(digest, struct{}{})

	msg := types.Message{
		Type:  types.MsgBlock,
		From:  gm.self,
		Block: b,
	}
	gm.transport.Broadcast(msg, gm.filterThrottled(gm.transport.SamplePeers(gm.self, -1)))
}

// Relay 转发收到的新块
// 已转发过的摘要直接丢弃；转发前随机退避 50~150ms 打散流量
func (gm *GossipManager) Relay(b *types.Block, from types.NodeID) {
	digest := b.ComputeDigest()
	if dup, _ := gm.seen.ContainsOrAdd(digest, struct{}{}); dup {
		return
	}

	gm.wg.Add(1)
	go func() {
		defer gm.wg.Done()
		select {
		case <-gm.stopChan:
			return
		case <-time.After(gm.relayDelay(digest)):
		}

		peers := gm.filterThrottled(gm.transport.SamplePeers(gm.self, gm.cfg.Fanout))
		out := peers[:0]
		for _, p := range peers {
			if p != from && p != b.Author {
				out = append(out, p)
			}
		}
		if len(out) == 0 {
			return
		}
		msg := types.Message{
			Type:  types.MsgBlock,
			From:  gm.self,
			Block: b,
		}
		gm.transport.Broadcast(msg, out)
	}()
}

// relayDelay 转发退避，上限是配置的 Interval
// 时长由 (节点, 摘要) 散列决定：不同节点对同一块错开转发，
// 本节点对同一块的行为可复现
func (gm *GossipManager) relayDelay(digest string) time.Duration {
	window := uint64(gm.cfg.Interval / time.Millisecond)
	if window == 0 {
		window = 100
	}
	jitter := utils.MurmurSum64(append([]byte(digest), gm.self...)) % window
	return time.Duration(jitter) * time.Millisecond
}

// Seen 摘要是否已经扩散过
func (gm *GossipManager) Seen(digest string) bool {
	return gm.seen.Contains(digest)
}

// filterThrottled 去掉本地降权的对端，省下带宽给表现正常的节点
func (gm *GossipManager) filterThrottled(peers []types.NodeID) []types.NodeID {
	out := peers[:0]
	for _, p := range peers {
		if !gm.rep.Throttled(p) {
			out = append(out, p)
		}
	}
	return out
}
