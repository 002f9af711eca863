package consensus

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"dagbft/config"
	"dagbft/interfaces"
	"dagbft/logs"
	"dagbft/types"
)

// ============================================
// Node
// ============================================

// Node 一个验证者节点的全部共识组件
// 组装 DAG、验证器、提案器、线性化器、gossip、拉取和同步，
// 跑统一的接收循环。存储层出错属于不可恢复故障，节点停机
type Node struct {
	ID     types.NodeID
	cfg    *config.Config
	vs     *types.ValidatorSet
	logger logs.Logger

	store     interfaces.BlockStore
	transport interfaces.Transport
	events    interfaces.EventBus
	pool      interfaces.BatchSource

	dag        *DAG
	verifier   *Verifier
	sched      *LeaderSchedule
	board      *Scoreboard
	rep        *Reputation
	linearizer *Linearizer
	commits    *CommitStream
	fetcher    *Fetcher
	suspended  *SuspendedBuffer
	gossip     *GossipManager
	sync       *SyncManager
	proposer   *Proposer
	handler    *MessageHandler

	msgsHandled    atomic.Uint64
	blocksReceived atomic.Uint64

	fatalChan chan error
	fatalOnce sync.Once
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NodeStatus 状态页快照
type NodeStatus struct {
	ID             types.NodeID             `json:"id"`
	HighestRound   uint64                   `json:"highest_round"`
	ProposerRound  uint64                   `json:"proposer_round"`
	ProposerState  string                   `json:"proposer_state"`
	CommitCount    uint64                   `json:"commit_count"`
	NextWave       uint64                   `json:"next_wave"`
	DAGSize        int                      `json:"dag_size"`
	Suspended      int                      `json:"suspended"`
	PendingBatches int                      `json:"pending_batches"`
	MsgsHandled    uint64                   `json:"msgs_handled"`
	BlocksReceived uint64                   `json:"blocks_received"`
	Scores         map[types.NodeID]uint64  `json:"scores"`
}

func NewNode(
	cfg *config.Config,
	vs *types.ValidatorSet,
	self types.NodeID,
	signer interfaces.NodeSigner,
	store interfaces.BlockStore,
	transport interfaces.Transport,
	pool interfaces.BatchSource,
	logger logs.Logger,
) (*Node, error) {
	if !vs.Contains(self) {
		return nil, fmt.Errorf("node %s not in validator set", self)
	}

	events := NewEventBus()
	n := &Node{
		ID:        self,
		cfg:       cfg,
		vs:        vs,
		logger:    logger,
		store:     store,
		transport: transport,
		events:    events,
		pool:      pool,
		fatalChan: make(chan error, 1),
		stopChan:  make(chan struct{}),
	}

	n.dag = NewDAG(vs, store, events, logger)
	verifier, err := NewVerifier(vs, cfg.Consensus.MaxBatchesPerBlock)
	if err != nil {
		return nil, err
	}
	n.verifier = verifier
	n.sched = NewLeaderSchedule(vs, cfg.Consensus.WaveLength)
	n.board = NewScoreboard(int(cfg.Consensus.ScoreWindow))
	n.rep = NewReputation(cfg.Rep.ThrottleEquivocations, cfg.Rep.ThrottleTimeouts)
	n.linearizer = NewLinearizer(n.dag, vs, n.sched, n.board, store, events, logger, cfg.Consensus.CommitDepth)
	n.commits = NewCommitStream(store, events)
	n.fetcher = NewFetcher(self, transport, logger, cfg.Fetch)
	n.gossip = NewGossipManager(self, transport, n.rep, logger, cfg.Gossip)
	n.sync = NewSyncManager(self, n.dag, n.linearizer, transport, logger, cfg.Sync)
	n.suspended = NewSuspendedBuffer(n.dag, n.fetcher, events, logger, cfg.Fetch,
		func(b *types.Block, from types.NodeID) {
			n.handler.SubmitBlock(b, from)
		})
	n.handler = NewMessageHandler(
		self, n.verifier, n.dag, n.linearizer, n.suspended, n.fetcher,
		n.gossip, n.sync, n.rep, store, transport, logger,
		cfg.Sync.BatchRounds, n.reportFatal)

	// 崩溃恢复：先重放区块重建 DAG，再重放提交日志
	if err := n.restore(); err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}

	startRound := n.ownHighestRound() + 1
	// 自己的块插入后也要推进提交：自己的块可能正好是凑齐支持层的那一块
	n.proposer = NewProposer(self, vs, n.dag, signer, pool, n.rep, logger,
		cfg.Consensus, startRound, func(b *types.Block) {
			if err := n.linearizer.Run(); err != nil {
				n.reportFatal(err)
				return
			}
			n.gossip.BroadcastOwn(b)
		})

	// 提交的批次从池里清掉；提交推进后顺手回收旧轮次的内存索引
	events.Subscribe(types.EventBlockCommitted, func(e interfaces.Event) {
		if notice, ok := e.Data().(types.CommitNotice); ok && len(notice.Block.Batches) > 0 {
			pool.MarkCommitted(notice.Block.Batches)
		}
	})
	events.Subscribe(types.EventCommitAdvanced, func(e interfaces.Event) {
		if adv, ok := e.Data().(types.CommitAdvance); ok {
			n.dag.PruneBelow(adv.Horizon)
		}
	})

	return n, nil
}

// restore 从持久层重建内存状态
func (n *Node) restore() error {
	var replayed []*types.Block
	if err := n.store.ReplayBlocks(func(b *types.Block) error {
		replayed = append(replayed, b)
		return nil
	}); err != nil {
		return err
	}
	if len(replayed) > 0 {
		sort.Slice(replayed, func(i, j int) bool { return replayed[i].Round < replayed[j].Round })
		restored := 0
		for _, b := range replayed {
			if n.dag.RestoreBlock(b) {
				restored++
			}
		}
		n.logger.Info("replayed %d blocks from disk (%d restored)", len(replayed), restored)
	}
	// 双块证据也要回放，重启后照样不引用等价作者的块
	n.dag.RestoreEvidence(n.store.Evidence())
	return n.linearizer.Restore()
}

// ownHighestRound 自己落盘过的最高轮次，重启后从下一轮继续提案
func (n *Node) ownHighestRound() uint64 {
	highest := n.dag.HighestRound()
	for r := highest; r > 0; r-- {
		if _, ok := n.dag.BlockAt(r, n.ID); ok {
			return r
		}
	}
	return 0
}

func (n *Node) Start() {
	n.logger.Info("node %s starting: %d validators, quorum weight %d, wave length %d",
		n.ID, n.vs.Len(), n.vs.QuorumThreshold(), n.cfg.Consensus.WaveLength)
	n.suspended.Start()
	n.sync.Start()
	n.proposer.Start()

	n.wg.Add(1)
	go n.receiveLoop()
}

// receiveLoop 接收循环
// 信号量限制并发处理数，DAG 插入本身有锁护着
func (n *Node) receiveLoop() {
	defer n.wg.Done()
	sem := make(chan struct{}, 64)
	for {
		select {
		case <-n.stopChan:
			return
		case msg, ok := <-n.transport.Receive():
			if !ok {
				return
			}
			sem <- struct{}{}
			go func(m types.Message) {
				defer func() { <-sem }()
				n.msgsHandled.Add(1)
				if m.Type == types.MsgBlock {
					n.blocksReceived.Add(1)
				}
				n.handler.HandleMessage(m)
			}(msg)
		}
	}
}

func (n *Node) reportFatal(err error) {
	n.fatalOnce.Do(func() {
		n.fatalChan <- err
	})
}

// Fatal 不可恢复错误通知，main 收到后停机
func (n *Node) Fatal() <-chan error {
	return n.fatalChan
}

func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.logger.Info("node %s stopping", n.ID)
		n.proposer.Stop()
		n.sync.Stop()
		n.suspended.Stop()
		n.gossip.Stop()
		close(n.stopChan)
		n.wg.Wait()
	})
}

// HandleMessage 对外暴露的消息入口（HTTP 层没走 Transport 信道时直接调）
func (n *Node) HandleMessage(msg types.Message) {
	n.msgsHandled.Add(1)
	n.handler.HandleMessage(msg)
}

// SubmitBlock 直接注入区块（测试和回放用）
func (n *Node) SubmitBlock(b *types.Block, from types.NodeID) bool {
	return n.handler.SubmitBlock(b, from)
}

// SubscribeCommits 从 fromSeq 起订阅提交序列，执行层的消费入口
func (n *Node) SubscribeCommits(fromSeq uint64, buffer int) <-chan types.CommitNotice {
	return n.commits.Subscribe(fromSeq, buffer)
}

func (n *Node) DAG() *DAG                  { return n.dag }
func (n *Node) Linearizer() *Linearizer    { return n.linearizer }
func (n *Node) Reputation() *Reputation    { return n.rep }
func (n *Node) Events() interfaces.EventBus { return n.events }
func (n *Node) Store() interfaces.BlockStore { return n.store }

// Status 状态页快照
func (n *Node) Status() NodeStatus {
	pending := 0
	if p, ok := n.pool.(interface{ PendingCount() int }); ok {
		pending = p.PendingCount()
	}
	return NodeStatus{
		ID:             n.ID,
		HighestRound:   n.dag.HighestRound(),
		ProposerRound:  n.proposer.Round(),
		ProposerState:  n.proposer.State(),
		CommitCount:    n.linearizer.CommitCount(),
		NextWave:       n.linearizer.NextWave(),
		DAGSize:        n.dag.Size(),
		Suspended:      n.suspended.Count(),
		PendingBatches: pending,
		MsgsHandled:    n.msgsHandled.Load(),
		BlocksReceived: n.blocksReceived.Load(),
		Scores:         n.board.Snapshot(),
	}
}
