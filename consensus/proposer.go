package consensus

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"dagbft/config"
	"dagbft/interfaces"
	"dagbft/logs"
	"dagbft/types"
)

// ============================================
// Proposer
// ============================================

// 提案状态机
type proposerState int32

const (
	proposerIdle proposerState = iota // 等上一轮凑 quorum
	proposerWaitingLayer              // quorum 已到，等慢节点补齐一层
	proposerBuilding                  // 正在构块签名
)

// Proposer 每轮构造并广播本节点的区块
// 每轮最多一块：引用上一轮 quorum 权重的区块、带上批次池里的
// 待打包批次、签名后先插本地 DAG 再交给 gossip。
// 背压：自己 PipelineDepth 轮之前的块没被足够对端引用时暂停推进，
// 防止本节点在网络分区时空转造轮
type Proposer struct {
	self    types.NodeID
	vs      *types.ValidatorSet
	dag     *DAG
	signer  interfaces.NodeSigner
	batches interfaces.BatchSource
	rep     *Reputation
	logger  logs.Logger
	cfg     config.ConsensusConfig

	// onProposed 新块构造完成后的回调（广播）
	onProposed func(*types.Block)

	mu       sync.Mutex
	round    uint64 // 下一个要提案的轮次
	state    proposerState
	stopChan chan struct{}
	stopOnce sync.Once
	doneChan chan struct{}
}

func NewProposer(
	self types.NodeID,
	vs *types.ValidatorSet,
	dag *DAG,
	signer interfaces.NodeSigner,
	batches interfaces.BatchSource,
	rep *Reputation,
	logger logs.Logger,
	cfg config.ConsensusConfig,
	startRound uint64,
	onProposed func(*types.Block),
) *Proposer {
	if startRound == 0 {
		startRound = 1
	}
	return &Proposer{
		self:       self,
		vs:         vs,
		dag:        dag,
		signer:     signer,
		batches:    batches,
		rep:        rep,
		logger:     logger,
		cfg:        cfg,
		onProposed: onProposed,
		round:      startRound,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
}

func (p *Proposer) Start() {
	go p.run()
}

func (p *Proposer) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	<-p.doneChan
}

// Round 下一个要提案的轮次
func (p *Proposer) Round() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.round
}

// State 当前状态，状态页展示用
func (p *Proposer) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case proposerWaitingLayer:
		return "waiting_layer"
	case proposerBuilding:
		return "building"
	default:
		return "idle"
	}
}

func (p *Proposer) setState(s proposerState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Proposer) run() {
	defer close(p.doneChan)
	for {
		p.mu.Lock()
		round := p.round
		p.mu.Unlock()

		p.setState(proposerIdle)
		if !p.waitQuorum(round - 1) {
			return
		}
		p.setState(proposerWaitingLayer)
		if !p.waitLayer(round - 1) {
			return
		}
		if !p.waitReferences(round) {
			return
		}

		p.setState(proposerBuilding)
		if err := p.propose(round); err != nil {
			p.logger.Error("propose round %d: %v", round, err)
			// 构块失败不推轮次，下一圈重试
			select {
			case <-p.stopChan:
				return
			case <-time.After(p.cfg.MinRoundDelay):
			}
			continue
		}

		p.mu.Lock()
		p.round = round + 1
		p.mu.Unlock()
	}
}

// waitQuorum 等 round 轮凑齐 quorum 权重，无超时：
// 没有 quorum 就没有合法提案，只能等。
// 已有双块证据的作者不算数：它的块不会被引用，凑数也没用
func (p *Proposer) waitQuorum(round uint64) bool {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.dag.EligibleWeightAt(round) >= p.vs.QuorumThreshold() {
			return true
		}
		select {
		case <-p.stopChan:
			return false
		case <-ticker.C:
		}
	}
}

// waitLayer quorum 到手后再等一会儿，让慢节点把这一层补满
// 全员到齐或超时就继续；超时把责任记到缺席者头上
func (p *Proposer) waitLayer(round uint64) bool {
	deadline := time.After(p.cfg.RoundTimeout)
	minDelay := time.After(p.cfg.MinRoundDelay)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	full := false
	timedOut := false
	for !full && !timedOut {
		select {
		case <-p.stopChan:
			return false
		case <-deadline:
			timedOut = true
		case <-ticker.C:
			full = p.dag.AuthorCountAt(round) == p.vs.Len()
		}
	}
	if timedOut && !full {
		for _, id := range p.vs.IDs() {
			if id == p.self {
				continue
			}
			if _, ok := p.dag.BlockAt(round, id); !ok {
				p.rep.RecordTimeout(id)
			}
		}
	}
	select {
	case <-p.stopChan:
		return false
	case <-minDelay:
	}
	return true
}

// waitReferences 背压检查
// 自己 round-PipelineDepth 轮的块被引用的作者数达到阈值才继续，
// 超时放行，避免和同样在等的对端互相卡死
func (p *Proposer) waitReferences(round uint64) bool {
	if round <= p.cfg.PipelineDepth {
		return true
	}
	anchor := round - p.cfg.PipelineDepth
	if _, ok := p.dag.BlockAt(anchor, p.self); !ok {
		return true
	}
	need := p.cfg.ReferenceQuorum
	if need <= 0 {
		need = int(p.vs.FaultThreshold()) + 1
		if need > p.vs.Len() {
			need = p.vs.Len()
		}
	}

	deadline := time.After(p.cfg.RoundTimeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.dag.ReferencersOf(p.self, anchor) >= need {
			return true
		}
		select {
		case <-p.stopChan:
			return false
		case <-deadline:
			p.logger.Debug("pipeline back-pressure timed out at round %d, proceeding", round)
			return true
		case <-ticker.C:
		}
	}
}

// propose 构块、签名、插本地 DAG、广播
// 引用层跳过已有双块证据的作者：等价块谁都不引用，
// 它就进不了任何 leader 的因果历史，两个版本都永不提交
func (p *Proposer) propose(round uint64) error {
	prev := p.dag.BlocksAt(round - 1)
	refs := make([]types.BlockRef, 0, len(prev))
	var weight uint64
	for _, b := range prev {
		if p.dag.EquivocatedAt(b.Round, b.Author) {
			continue
		}
		refs = append(refs, b.Ref())
		weight += p.vs.WeightOf(b.Author)
	}
	if weight < p.vs.QuorumThreshold() {
		// 等待期间新到的证据把引用层削薄了，回去重新等
		return fmt.Errorf("round %d: eligible weight %d below quorum %d",
			round-1, weight, p.vs.QuorumThreshold())
	}

	b := &types.Block{
		Author:    p.self,
		Round:     round,
		Ancestors: refs,
		Batches:   p.batches.NextBatches(p.cfg.MaxBatchesPerBlock),
		Timestamp: time.Now().UnixNano(),
	}
	b.SortAncestors()

	digest, err := hex.DecodeString(b.ComputeDigest())
	if err != nil {
		return err
	}
	sig, err := p.signer.Sign(digest)
	if err != nil {
		return err
	}
	b.Signature = sig

	if _, err := p.dag.Insert(b, p.self); err != nil {
		return err
	}
	p.rep.RecordProposal(p.self)
	p.logger.Debug("proposed block %s@%d with %d refs, %d batches",
		p.self, round, len(refs), len(b.Batches))

	if p.onProposed != nil {
		p.onProposed(b)
	}
	return nil
}
