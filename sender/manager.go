package sender

import (
	"fmt"
	"sync"

	"dagbft/config"
	"dagbft/logs"
	"dagbft/types"
)

// ============================================
// SenderManager
// ============================================

const (
	// ConsensusPath 共识消息的接收端路径
	ConsensusPath = "/v1/consensus/message"

	contentTypeMsgpack = "application/msgpack"
)

// SenderManager 出站消息管理
// 持有验证者名单里的 NodeID -> 地址映射，把编码好的共识消息
// POST 到对端的接收端点
type SenderManager struct {
	mu        sync.RWMutex
	addrs     map[types.NodeID]string
	transport Transporter
	logger    logs.Logger
}

func NewSenderManager(cfg *config.Config, transport Transporter, logger logs.Logger) *SenderManager {
	m := &SenderManager{
		addrs:     make(map[types.NodeID]string, len(cfg.Committee)),
		transport: transport,
		logger:    logger,
	}
	for _, v := range cfg.Committee {
		m.addrs[types.NodeID(v.Name)] = v.Addr
	}
	return m
}

// AddrOf 查询对端地址
func (m *SenderManager) AddrOf(id types.NodeID) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr, ok := m.addrs[id]
	return addr, ok
}

// UpdateAddr 更新对端地址（节点迁移时热更新）
func (m *SenderManager) UpdateAddr(id types.NodeID, addr string) {
	m.mu.Lock()
	m.addrs[id] = addr
	m.mu.Unlock()
}

// PostMessage 把编码后的消息发给对端
func (m *SenderManager) PostMessage(to types.NodeID, data []byte) error {
	addr, ok := m.AddrOf(to)
	if !ok {
		return fmt.Errorf("unknown peer %s", to)
	}
	url := "https://" + addr + ConsensusPath
	status, _, err := m.transport.Send(url, data, contentTypeMsgpack)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("peer %s returned status %d", to, status)
	}
	return nil
}
