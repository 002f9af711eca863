package consensus

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"dagbft/interfaces"
	"dagbft/types"
)

// ============================================
// 仿真网络
// ============================================

// NetworkManager 进程内仿真网络，多节点测试用
// 维护 NodeID -> Transport 的注册表，支持把某个节点隔离（分区）
type NetworkManager struct {
	mu         sync.RWMutex
	transports map[types.NodeID]interfaces.Transport
	partition  map[types.NodeID]bool

	Latency        time.Duration
	PacketLossRate float64
}

func NewNetworkManager(latency time.Duration, lossRate float64) *NetworkManager {
	return &NetworkManager{
		transports:     make(map[types.NodeID]interfaces.Transport),
		partition:      make(map[types.NodeID]bool),
		Latency:        latency,
		PacketLossRate: lossRate,
	}
}

func (nm *NetworkManager) Register(id types.NodeID, t interfaces.Transport) {
	nm.mu.Lock()
	nm.transports[id] = t
	nm.mu.Unlock()
}

func (nm *NetworkManager) GetTransport(id types.NodeID) interfaces.Transport {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	return nm.transports[id]
}

// SetPartitioned 把节点和网络隔离开（双向丢包）
func (nm *NetworkManager) SetPartitioned(id types.NodeID, partitioned bool) {
	nm.mu.Lock()
	nm.partition[id] = partitioned
	nm.mu.Unlock()
}

func (nm *NetworkManager) isPartitioned(id types.NodeID) bool {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	return nm.partition[id]
}

// SamplePeers 随机取 count 个对端，count < 0 取全部
func (nm *NetworkManager) SamplePeers(exclude types.NodeID, count int) []types.NodeID {
	nm.mu.RLock()
	peers := make([]types.NodeID, 0, len(nm.transports))
	for id := range nm.transports {
		if id != exclude {
			peers = append(peers, id)
		}
	}
	nm.mu.RUnlock()

	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	if count >= 0 && count < len(peers) {
		peers = peers[:count]
	}
	return peers
}

// SimulatedTransport 仿真传输：带延迟和丢包的进程内信道
type SimulatedTransport struct {
	nodeID  types.NodeID
	inbox   chan types.Message
	network *NetworkManager
	ctx     context.Context
}

func NewSimulatedTransport(nodeID types.NodeID, network *NetworkManager, ctx context.Context) *SimulatedTransport {
	t := &SimulatedTransport{
		nodeID:  nodeID,
		inbox:   make(chan types.Message, 20000),
		network: network,
		ctx:     ctx,
	}
	network.Register(nodeID, t)
	return t
}

func (t *SimulatedTransport) Send(to types.NodeID, msg types.Message) error {
	if t.network.isPartitioned(t.nodeID) || t.network.isPartitioned(to) {
		// 分区：静默丢弃，发送方感知不到
		return nil
	}
	if rand.Float64() < t.network.PacketLossRate {
		return nil
	}
	go func() {
		if t.network.Latency > 0 {
			delay := t.network.Latency + time.Duration(rand.Int63n(int64(t.network.Latency)/2+1))
			time.Sleep(delay)
		}
		receiver, ok := t.network.GetTransport(to).(*SimulatedTransport)
		if !ok || receiver == nil {
			return
		}
		select {
		case receiver.inbox <- msg:
		case <-time.After(100 * time.Millisecond):
		case <-t.ctx.Done():
		}
	}()
	return nil
}

func (t *SimulatedTransport) Broadcast(msg types.Message, peers []types.NodeID) {
	for _, peer := range peers {
		t.Send(peer, msg)
	}
}

func (t *SimulatedTransport) SamplePeers(exclude types.NodeID, count int) []types.NodeID {
	return t.network.SamplePeers(exclude, count)
}

func (t *SimulatedTransport) Receive() <-chan types.Message {
	return t.inbox
}
