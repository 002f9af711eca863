package interfaces

import "dagbft/types"

// BlockStore 区块与提交序列的持久化接口
// Put 在返回前保证区块已落盘（收到区块先持久化再确认）
type BlockStore interface {
	Put(block *types.Block) error
	Get(digest string) (*types.Block, bool)
	GetByAuthorRound(author types.NodeID, round uint64) (*types.Block, bool)
	GetByRound(round uint64) []*types.Block

	// 提交序列：position 从 0 开始单调递增，写入后不可变
	AppendCommit(block *types.Block) (uint64, error)
	CommitIndex() uint64
	CommitAt(seq uint64) (*types.Block, bool)
	IsCommitted(digest string) bool

	SaveEvidence(ev *types.EquivocationEvidence) error
	Evidence() []*types.EquivocationEvidence

	// ReplayBlocks 按任意顺序回放全部已持久化区块（崩溃恢复用）
	ReplayBlocks(fn func(*types.Block) error) error

	Close() error
}

// Transport 验证者之间的点对点消息传输
type Transport interface {
	Send(to types.NodeID, msg types.Message) error
	Broadcast(msg types.Message, peers []types.NodeID)
	SamplePeers(exclude types.NodeID, count int) []types.NodeID
	Receive() <-chan types.Message
}

// ============================================
// 事件总线
// ============================================

type Event interface {
	Type() types.EventType
	Data() interface{}
}

type EventHandler func(Event)

type EventBus interface {
	Subscribe(topic types.EventType, handler EventHandler)
	Publish(event Event)
	PublishAsync(event Event)
}

// BatchSource 上游 mempool 提交的批次摘要来源
type BatchSource interface {
	NextBatches(max int) [][]byte
	MarkCommitted(batches [][]byte)
}

// NodeSigner 节点签名能力
type NodeSigner interface {
	Sign(digest []byte) ([]byte, error)
	PublicKeyBytes() []byte
}
