package consensus

import (
	"fmt"
	"sort"
	"sync"

	"dagbft/interfaces"
	"dagbft/logs"
	"dagbft/types"
)

// ============================================
// Commit Rule / 全序化
// ============================================

// Linearizer 把 DAG 压平成全序提交序列
// 规则：wave w 的 leader 块在 round r = w*L+1；当 r+CommitDepth 轮上
// 把它纳入因果历史的区块权重达到 quorum，该 leader 直接提交（锚点）。
// 锚点确定后从它向更早的未决 wave 回溯：前一个 leader 在当前链头的
// 因果历史里就提交，否则跳过。每提交一个 leader，先按 (round, author)
// 升序提交它所有未提交的因果祖先。
// 整个判定只依赖 DAG 和验证者集合，诚实节点的提交序列逐位一致
type Linearizer struct {
	mu     sync.Mutex
	dag    *DAG
	vs     *types.ValidatorSet
	sched  *LeaderSchedule
	board  *Scoreboard
	store  interfaces.BlockStore
	events interfaces.EventBus
	logger logs.Logger

	commitDepth uint64

	committed   map[string]bool // 已提交摘要（含创世块）
	nextWave    uint64          // 最低未决 wave
	commitCount uint64          // 已写入提交序列的区块数

	// outbox 锁内攒下的事件，Run 释放锁之后统一发布。
	// 订阅方常会回查本结构（IsCommitted / CommitHorizon），
	// 持锁发布会把自己锁死
	outbox []interfaces.Event
}

func NewLinearizer(
	dag *DAG,
	vs *types.ValidatorSet,
	sched *LeaderSchedule,
	board *Scoreboard,
	store interfaces.BlockStore,
	events interfaces.EventBus,
	logger logs.Logger,
	commitDepth uint64,
) *Linearizer {
	l := &Linearizer{
		dag:         dag,
		vs:          vs,
		sched:       sched,
		board:       board,
		store:       store,
		events:      events,
		logger:      logger,
		commitDepth: commitDepth,
		committed:   make(map[string]bool),
	}
	// 创世层视为已提交，不进提交序列
	for _, id := range vs.IDs() {
		l.committed[types.GenesisBlock(id).ComputeDigest()] = true
	}
	return l
}

// Restore 崩溃恢复：按提交日志重建已提交集合和 wave 进度
// 日志里每个批次最后一个块是该 wave 的 leader，所以日志末尾的
// 区块轮次决定了恢复后的最低未决 wave
func (l *Linearizer) Restore() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.store.CommitIndex()
	for seq := uint64(0); seq < count; seq++ {
		b, ok := l.store.CommitAt(seq)
		if !ok {
			return fmt.Errorf("commit log hole at %d", seq)
		}
		l.committed[b.ComputeDigest()] = true
		l.board.Observe(b.Author)
	}
	l.commitCount = count
	if count > 0 {
		last, _ := l.store.CommitAt(count - 1)
		l.nextWave = l.sched.WaveOf(last.Round) + 1
	}
	if count > 0 {
		l.logger.Info("restored commit log: %d blocks, resuming at wave %d", count, l.nextWave)
	}
	return nil
}

// Run 推进提交进度，DAG 每次变化后调用
// 出错（持久化失败）时返回 error，调用方应停机
func (l *Linearizer) Run() error {
	l.mu.Lock()
	err := l.advanceLocked()
	out := l.outbox
	l.outbox = nil
	l.mu.Unlock()

	// 出错前已落盘的提交照常通知，停机由调用方负责
	for _, e := range out {
		l.events.Publish(e)
	}
	return err
}

func (l *Linearizer) advanceLocked() error {
	for {
		anchorWave, anchor := l.findAnchor()
		if anchor == nil {
			return nil
		}

		// 从锚点向更早的未决 wave 回溯 leader 链
		// 链头的因果历史包含前一个 leader 就提交它，否则该 wave 跳过。
		// DAG 的因果完整性保证链头全部祖先都在本地，判定结果不随时间变
		chain := []*types.Block{anchor}
		cur := anchor
		for w := anchorWave; w > l.nextWave; w-- {
			prev := w - 1
			lb, ok := l.dag.BlockAt(l.sched.LeaderRound(prev), l.sched.LeaderFor(prev))
			if ok && l.dag.Reaches(cur, lb.ComputeDigest(), lb.Round) {
				chain = append(chain, lb)
				cur = lb
			} else {
				l.logger.Debug("wave %d leader skipped", prev)
			}
		}

		// 按 wave 升序提交
		for i := len(chain) - 1; i >= 0; i-- {
			if err := l.commitLeaderLocked(chain[i]); err != nil {
				return err
			}
		}
		l.nextWave = anchorWave + 1
		l.outbox = append(l.outbox, types.BaseEvent{
			EventType: types.EventCommitAdvanced,
			EventData: types.CommitAdvance{Seq: l.commitCount - 1, Horizon: l.horizonLocked()},
		})
	}
}

// findAnchor 找最低未决 wave 往上第一个获得 quorum 直接支持的 leader
func (l *Linearizer) findAnchor() (uint64, *types.Block) {
	highest := l.dag.HighestRound()
	for w := l.nextWave; ; w++ {
		r := l.sched.LeaderRound(w)
		if r+l.commitDepth > highest {
			return 0, nil
		}
		lb, ok := l.dag.BlockAt(r, l.sched.LeaderFor(w))
		if !ok {
			continue
		}
		if l.dag.SupportWeight(lb, r+l.commitDepth) >= l.vs.QuorumThreshold() {
			return w, lb
		}
	}
}

// commitLeaderLocked 提交一个 leader 及其全部未提交因果祖先
// 祖先按 (round 升序, author 升序) 排序，leader 轮次最高所以总在最后
func (l *Linearizer) commitLeaderLocked(leader *types.Block) error {
	batch := l.dag.CausalHistory(leader, func(digest string) bool {
		return l.committed[digest]
	})
	sort.Slice(batch, func(i, j int) bool {
		if batch[i].Round != batch[j].Round {
			return batch[i].Round < batch[j].Round
		}
		return batch[i].Author < batch[j].Author
	})

	for _, b := range batch {
		seq, err := l.store.AppendCommit(b)
		if err != nil {
			return fmt.Errorf("append commit %s: %w", types.ShortDigest(b.ComputeDigest()), err)
		}
		l.committed[b.ComputeDigest()] = true
		l.commitCount++
		l.board.Observe(b.Author)
		l.outbox = append(l.outbox, types.BaseEvent{
			EventType: types.EventBlockCommitted,
			EventData: types.CommitNotice{Seq: seq, Block: b},
		})
	}

	l.logger.Info("committed leader %s@%d (+%d ancestors), sequence at %d",
		leader.Author, leader.Round, len(batch)-1, l.commitCount)
	return nil
}

// IsCommitted 摘要是否已进提交序列（创世块也算）
func (l *Linearizer) IsCommitted(digest string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed[digest]
}

// CommitCount 提交序列长度
func (l *Linearizer) CommitCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commitCount
}

// NextWave 最低未决 wave
func (l *Linearizer) NextWave() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextWave
}

// CommitHorizon 内存回收的安全水位：最后一个已决 wave 的 leader 轮
// 之前 CommitDepth 轮以下的区块不会再参与任何判定
func (l *Linearizer) CommitHorizon() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.horizonLocked()
}

func (l *Linearizer) horizonLocked() uint64 {
	if l.nextWave == 0 {
		return 0
	}
	lastLeaderRound := l.sched.LeaderRound(l.nextWave - 1)
	if lastLeaderRound <= l.commitDepth {
		return 0
	}
	return lastLeaderRound - l.commitDepth
}
