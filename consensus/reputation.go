package consensus

import (
	"sync"

	"dagbft/types"
)

// ============================================
// 信誉统计
// ============================================

// Scoreboard 确定性评分：只统计已提交前缀里的出块表现
// 所有诚实节点的提交前缀一致，因此评分也一致，状态页和治理导出
// 可以直接对账。Linearizer 在单线程提交流程里更新它，
// 锁只为只读方服务
type Scoreboard struct {
	mu     sync.RWMutex
	window int
	ring   []types.NodeID // 最近 window 个已提交区块的作者
	next   int
	full   bool
	counts map[types.NodeID]uint64
}

func NewScoreboard(window int) *Scoreboard {
	if window <= 0 {
		window = 100
	}
	return &Scoreboard{
		window: window,
		ring:   make([]types.NodeID, window),
		counts: make(map[types.NodeID]uint64),
	}
}

// Observe 记录一个新提交区块的作者
func (s *Scoreboard) Observe(author types.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		old := s.ring[s.next]
		if s.counts[old] > 0 {
			s.counts[old]--
		}
	}
	s.ring[s.next] = author
	s.counts[author]++
	s.next++
	if s.next == s.window {
		s.next = 0
		s.full = true
	}
}

// Score 窗口内该验证者的已提交区块数
func (s *Scoreboard) Score(id types.NodeID) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts[id]
}

// WindowFull 窗口是否已填满；未填满时的评分只反映冷启动阶段
func (s *Scoreboard) WindowFull() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.full
}

// Snapshot 当前计分表（状态页用）
func (s *Scoreboard) Snapshot() map[types.NodeID]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.NodeID]uint64, len(s.counts))
	for id, c := range s.counts {
		out[id] = c
	}
	return out
}

// ============================================
// 本地观察统计（非确定性，只影响带宽分配）
// ============================================

type peerStats struct {
	Equivocations int
	Timeouts      int
	GossipsSeen   uint64
	InvalidMsgs   int
	Proposals     uint64
}

// Reputation 本地视角的对端行为统计
// 喂给 gossip 降权和服务端限流；从不把验证者踢出集合——
// 除名是 epoch 边界的治理决定，不在协议内
type Reputation struct {
	mu    sync.Mutex
	peers map[types.NodeID]*peerStats

	throttleEquivocations int
	throttleTimeouts      int
}

func NewReputation(throttleEquivocations, throttleTimeouts int) *Reputation {
	if throttleEquivocations <= 0 {
		throttleEquivocations = 1
	}
	if throttleTimeouts <= 0 {
		throttleTimeouts = 10
	}
	return &Reputation{
		peers:                 make(map[types.NodeID]*peerStats),
		throttleEquivocations: throttleEquivocations,
		throttleTimeouts:      throttleTimeouts,
	}
}

func (r *Reputation) get(id types.NodeID) *peerStats {
	st, ok := r.peers[id]
	if !ok {
		st = &peerStats{}
		r.peers[id] = st
	}
	return st
}

// RecordEquivocation 对端被观察到双块
func (r *Reputation) RecordEquivocation(id types.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(id).Equivocations++
}

// RecordTimeout 该验证者未能在超时前出现于上一轮
func (r *Reputation) RecordTimeout(id types.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(id).Timeouts++
}

// RecordGossip 收到该对端转发的区块
func (r *Reputation) RecordGossip(id types.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(id).GossipsSeen++
}

// RecordInvalid 该对端发来无法通过校验的消息
func (r *Reputation) RecordInvalid(id types.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(id).InvalidMsgs++
}

// RecordProposal 该验证者的新区块进入 DAG
func (r *Reputation) RecordProposal(id types.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(id).Proposals++
}

// Throttled 是否对该对端降低带宽配额
func (r *Reputation) Throttled(id types.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.peers[id]
	if !ok {
		return false
	}
	return st.Equivocations >= r.throttleEquivocations ||
		st.Timeouts >= r.throttleTimeouts
}

// Snapshot 全部对端统计的拷贝（状态页用）
func (r *Reputation) Snapshot() map[types.NodeID]peerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[types.NodeID]peerStats, len(r.peers))
	for id, st := range r.peers {
		out[id] = *st
	}
	return out
}
