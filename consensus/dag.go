package consensus

import (
	"fmt"
	"sync"
	"time"

	"dagbft/interfaces"
	"dagbft/logs"
	"dagbft/types"

	"github.com/RoaringBitmap/roaring"
)

// ============================================
// DAG Builder
// ============================================

// DAG 按 (round, author) 组织的区块图
// 插入前区块必须已通过 Verifier 的结构与签名校验；
// 这里负责因果完整性、等价块检测和逐轮 quorum 记账。
// 单写者：所有插入都经过同一把锁，等价块在并发到达时也只会登记一次
type DAG struct {
	mu     sync.RWMutex
	vs     *types.ValidatorSet
	store  interfaces.BlockStore
	events interfaces.EventBus
	logger logs.Logger

	blocks       map[string]*types.Block            // digest -> block
	byRound      map[uint64]map[types.NodeID]string // round -> author -> digest
	presence     map[uint64]*roaring.Bitmap         // round -> 在场验证者下标位图
	quorumAt     map[uint64]bool                    // 该轮是否已凑齐 quorum（只翻转一次）
	equivocators map[uint64]map[types.NodeID]bool   // round -> 已有双块证据的作者

	highestRound uint64
	prunedBelow  uint64
}

func NewDAG(vs *types.ValidatorSet, store interfaces.BlockStore, events interfaces.EventBus, logger logs.Logger) *DAG {
	d := &DAG{
		vs:           vs,
		store:        store,
		events:       events,
		logger:       logger,
		blocks:       make(map[string]*types.Block),
		byRound:      make(map[uint64]map[types.NodeID]string),
		presence:     make(map[uint64]*roaring.Bitmap),
		quorumAt:     make(map[uint64]bool),
		equivocators: make(map[uint64]map[types.NodeID]bool),
	}
	// 第 0 轮：每个验证者一个确定性的创世块，所有节点本地一致
	for _, id := range vs.IDs() {
		g := types.GenesisBlock(id)
		d.indexLocked(g)
	}
	d.quorumAt[0] = true
	return d
}

// Insert 把区块插入 DAG
// 返回 (true, nil) 表示新插入；(false, nil) 表示重复摘要的 no-op。
// 可恢复的失败是 ErrMissingAncestor（调用方缓冲并拉取）；
// ErrEquivocation 会登记证据但不中断节点
func (d *DAG) Insert(b *types.Block, fromPeer types.NodeID) (bool, error) {
	digest := b.ComputeDigest()

	d.mu.Lock()

	if _, exists := d.blocks[digest]; exists {
		d.mu.Unlock()
		return false, nil
	}

	// 等价块：同一 (author, round) 已有不同摘要的区块
	if prevDigest, ok := d.byRound[b.Round][b.Author]; ok && prevDigest != digest {
		first := d.blocks[prevDigest]
		d.mu.Unlock()
		d.recordEquivocation(first, b, fromPeer)
		return false, fmt.Errorf("%w: %s round %d", ErrEquivocation, b.Author, b.Round)
	}

	// 因果完整性：全部被引用祖先必须已在本地
	if missing := d.missingLocked(b); len(missing) > 0 {
		d.mu.Unlock()
		return false, fmt.Errorf("%w: %d refs missing", ErrMissingAncestor, len(missing))
	}

	// 引用一致性：摘要指到的区块必须就是引用声称的 (author, round)
	for _, ref := range b.Ancestors {
		anc := d.blocks[ref.Digest]
		if anc.Author != ref.Author || anc.Round != ref.Round {
			d.mu.Unlock()
			return false, fmt.Errorf("%w: ref %s resolves to %s@%d",
				ErrInvalidRound, ref, anc.Author, anc.Round)
		}
	}
	d.mu.Unlock()

	// 先持久化再确认，锁外执行磁盘写
	if err := d.store.Put(b); err != nil {
		return false, fmt.Errorf("persist block: %w", err)
	}

	d.mu.Lock()
	// 落盘期间可能有并发插入，重查一遍
	if _, exists := d.blocks[digest]; exists {
		d.mu.Unlock()
		return false, nil
	}
	if prevDigest, ok := d.byRound[b.Round][b.Author]; ok && prevDigest != digest {
		first := d.blocks[prevDigest]
		d.mu.Unlock()
		d.recordEquivocation(first, b, fromPeer)
		return false, fmt.Errorf("%w: %s round %d", ErrEquivocation, b.Author, b.Round)
	}
	d.indexLocked(b)
	quorumReached := !d.quorumAt[b.Round] && d.weightLocked(b.Round) >= d.vs.QuorumThreshold()
	if quorumReached {
		d.quorumAt[b.Round] = true
	}
	d.mu.Unlock()

	d.events.Publish(types.BaseEvent{EventType: types.EventBlockAccepted, EventData: b})
	if quorumReached {
		d.events.Publish(types.BaseEvent{
			EventType: types.EventRoundAdvanced,
			EventData: types.RoundAdvance{Round: b.Round},
		})
	}
	return true, nil
}

// RestoreBlock 崩溃恢复：重放已落盘的区块，不再写存储
// 调用方按轮次升序喂入，祖先不全的块直接丢弃（说明落盘时刻
// 在它确认之前，等同步重新拉）
func (d *DAG) RestoreBlock(b *types.Block) bool {
	digest := b.ComputeDigest()

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.blocks[digest]; exists {
		return false
	}
	if prevDigest, ok := d.byRound[b.Round][b.Author]; ok && prevDigest != digest {
		return false
	}
	if len(d.missingLocked(b)) > 0 {
		return false
	}
	d.indexLocked(b)
	if !d.quorumAt[b.Round] && d.weightLocked(b.Round) >= d.vs.QuorumThreshold() {
		d.quorumAt[b.Round] = true
	}
	return true
}

// indexLocked 把区块挂进全部索引，调用方持有写锁
func (d *DAG) indexLocked(b *types.Block) {
	digest := b.ComputeDigest()
	d.blocks[digest] = b
	if d.byRound[b.Round] == nil {
		d.byRound[b.Round] = make(map[types.NodeID]string)
	}
	d.byRound[b.Round][b.Author] = digest
	bm := d.presence[b.Round]
	if bm == nil {
		bm = roaring.New()
		d.presence[b.Round] = bm
	}
	if idx, ok := d.vs.IndexOf(b.Author); ok {
		bm.Add(uint32(idx))
	}
	if b.Round > d.highestRound {
		d.highestRound = b.Round
	}
}

func (d *DAG) missingLocked(b *types.Block) []types.BlockRef {
	var missing []types.BlockRef
	for _, ref := range b.Ancestors {
		if _, ok := d.blocks[ref.Digest]; !ok {
			missing = append(missing, ref)
		}
	}
	return missing
}

// MissingAncestors 返回区块引用里本地还缺的部分，suspended 缓冲用
func (d *DAG) MissingAncestors(b *types.Block) []types.BlockRef {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.missingLocked(b)
}

// recordEquivocation 登记双块证据：持久化、发事件，节点继续运行
// 登记后该作者在该轮的块不再被本节点的新提案引用
func (d *DAG) recordEquivocation(first, second *types.Block, fromPeer types.NodeID) {
	d.mu.Lock()
	if d.equivocators[second.Round] == nil {
		d.equivocators[second.Round] = make(map[types.NodeID]bool)
	}
	d.equivocators[second.Round][second.Author] = true
	d.mu.Unlock()

	ev := &types.EquivocationEvidence{
		Author:   second.Author,
		Round:    second.Round,
		First:    first,
		Second:   second,
		SeenAt:   time.Now().UnixNano(),
		FromPeer: fromPeer,
	}
	if err := d.store.SaveEvidence(ev); err != nil {
		d.logger.Error("persist equivocation evidence for %s@%d: %v", ev.Author, ev.Round, err)
	}
	d.logger.Warn("equivocation detected: %s proposed two blocks at round %d (%s vs %s)",
		ev.Author, ev.Round,
		types.ShortDigest(first.ComputeDigest()), types.ShortDigest(second.ComputeDigest()))
	d.events.Publish(types.BaseEvent{EventType: types.EventEquivocation, EventData: ev})
}

// EquivocatedAt 该作者在该轮是否已有双块证据
func (d *DAG) EquivocatedAt(round uint64, author types.NodeID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.equivocators[round][author]
}

// EligibleWeightAt 去掉已有双块证据作者后，该轮的在场权重
// 提案引用层只从无证据作者里取，凑 quorum 也按这个口径算
func (d *DAG) EligibleWeightAt(round uint64) uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var w uint64
	for author := range d.byRound[round] {
		if d.equivocators[round][author] {
			continue
		}
		w += d.vs.WeightOf(author)
	}
	return w
}

// RestoreEvidence 崩溃恢复时重放已落盘的双块证据
func (d *DAG) RestoreEvidence(evs []*types.EquivocationEvidence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ev := range evs {
		if d.equivocators[ev.Round] == nil {
			d.equivocators[ev.Round] = make(map[types.NodeID]bool)
		}
		d.equivocators[ev.Round][ev.Author] = true
	}
}

// Contains 摘要是否已在 DAG 里
func (d *DAG) Contains(digest string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.blocks[digest]
	return ok
}

func (d *DAG) Get(digest string) (*types.Block, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.blocks[digest]
	return b, ok
}

// BlockAt 返回 (round, author) 处的区块
func (d *DAG) BlockAt(round uint64, author types.NodeID) (*types.Block, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	digest, ok := d.byRound[round][author]
	if !ok {
		return nil, false
	}
	return d.blocks[digest], true
}

// BlocksAt 返回某一轮的全部区块
func (d *DAG) BlocksAt(round uint64) []*types.Block {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*types.Block, 0, len(d.byRound[round]))
	for _, digest := range d.byRound[round] {
		out = append(out, d.blocks[digest])
	}
	return out
}

// WeightAt 某一轮在场验证者的权重和
func (d *DAG) WeightAt(round uint64) uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.weightLocked(round)
}

func (d *DAG) weightLocked(round uint64) uint64 {
	bm := d.presence[round]
	if bm == nil {
		return 0
	}
	var weight uint64
	it := bm.Iterator()
	for it.HasNext() {
		weight += d.vs.ByIndex(int(it.Next())).Weight
	}
	return weight
}

// QuorumAt 某一轮是否已有 quorum 权重的区块
func (d *DAG) QuorumAt(round uint64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.quorumAt[round]
}

// AuthorCountAt 某一轮在场的验证者数
func (d *DAG) AuthorCountAt(round uint64) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	bm := d.presence[round]
	if bm == nil {
		return 0
	}
	return int(bm.GetCardinality())
}

func (d *DAG) HighestRound() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.highestRound
}

// Reaches 判断 target 是否在 from 的因果历史里（含 from 自身）
func (d *DAG) Reaches(from *types.Block, targetDigest string, targetRound uint64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reachesLocked(from, targetDigest, targetRound, make(map[string]int8))
}

// reachesLocked 带记忆化的可达性判断，memo: 1=可达, -1=不可达
func (d *DAG) reachesLocked(from *types.Block, targetDigest string, targetRound uint64, memo map[string]int8) bool {
	digest := from.ComputeDigest()
	if digest == targetDigest {
		return true
	}
	if from.Round <= targetRound {
		return false
	}
	if r, ok := memo[digest]; ok {
		return r > 0
	}
	result := int8(-1)
	for _, ref := range from.Ancestors {
		if anc, ok := d.blocks[ref.Digest]; ok {
			if d.reachesLocked(anc, targetDigest, targetRound, memo) {
				result = 1
				break
			}
		}
	}
	memo[digest] = result
	return result > 0
}

// SupportWeight 统计 supportRound 上把 target 纳入因果历史的区块权重和
// Commit Rule 用它判断 leader 是否获得 quorum 支持
func (d *DAG) SupportWeight(target *types.Block, supportRound uint64) uint64 {
	targetDigest := target.ComputeDigest()
	d.mu.RLock()
	defer d.mu.RUnlock()

	var weight uint64
	memo := make(map[string]int8)
	for author, digest := range d.byRound[supportRound] {
		b := d.blocks[digest]
		if d.reachesLocked(b, targetDigest, target.Round, memo) {
			weight += d.vs.WeightOf(author)
		}
	}
	return weight
}

// CausalHistory 收集 from 的全部未提交因果祖先（含 from），
// isCommitted 为真的区块及其更早历史不再展开。
// 内存索引被回收的旧区块回落到持久层读取，保证线性化不漏块
func (d *DAG) CausalHistory(from *types.Block, isCommitted func(digest string) bool) []*types.Block {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*types.Block
	visited := make(map[string]bool)
	var walk func(b *types.Block)
	walk = func(b *types.Block) {
		digest := b.ComputeDigest()
		if visited[digest] || isCommitted(digest) {
			return
		}
		visited[digest] = true
		for _, ref := range b.Ancestors {
			anc, ok := d.blocks[ref.Digest]
			if !ok {
				anc, ok = d.store.Get(ref.Digest)
			}
			if ok {
				walk(anc)
			}
		}
		out = append(out, b)
	}
	walk(from)
	return out
}

// ReferencersOf 统计 round+1 上引用了 (round, author) 区块的不同作者数
// Proposer 背压用
func (d *DAG) ReferencersOf(author types.NodeID, round uint64) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	target, ok := d.byRound[round][author]
	if !ok {
		return 0
	}
	count := 0
	for _, digest := range d.byRound[round+1] {
		b := d.blocks[digest]
		for _, ref := range b.Ancestors {
			if ref.Digest == target {
				count++
				break
			}
		}
	}
	return count
}

// PruneBelow 回收 horizon 之前轮次的内存索引
// 只有已提交且落盘的历史才允许被回收，持久层保留全部区块
func (d *DAG) PruneBelow(horizon uint64) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	pruned := 0
	for round := d.prunedBelow; round < horizon; round++ {
		for _, digest := range d.byRound[round] {
			delete(d.blocks, digest)
			pruned++
		}
		delete(d.byRound, round)
		delete(d.presence, round)
		delete(d.quorumAt, round)
		delete(d.equivocators, round)
	}
	if horizon > d.prunedBelow {
		d.prunedBelow = horizon
	}
	return pruned
}

// Size 当前内存里的区块数
func (d *DAG) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.blocks)
}
