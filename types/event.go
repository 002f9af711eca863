package types

// ============================================
// 事件系统
// ============================================

type EventType string

const (
	EventBlockAccepted  EventType = "block.accepted"  // 区块通过校验进入 DAG
	EventBlockSuspended EventType = "block.suspended" // 区块因缺失祖先被缓冲
	EventBlockCommitted EventType = "block.committed" // 区块进入提交序列
	EventRoundAdvanced  EventType = "round.advanced"  // 某一轮凑齐 quorum
	EventEquivocation   EventType = "equivocation"    // 检测到同轮双块
	EventCommitAdvanced EventType = "commit.advanced" // 提交索引前进
)

type BaseEvent struct {
	EventType EventType
	EventData interface{}
}

func (e BaseEvent) Type() EventType   { return e.EventType }
func (e BaseEvent) Data() interface{} { return e.EventData }

// RoundAdvance EventRoundAdvanced 的负载
type RoundAdvance struct {
	Round uint64
}

// CommitNotice EventBlockCommitted 的负载
type CommitNotice struct {
	Seq   uint64
	Block *Block
}

// CommitAdvance EventCommitAdvanced 的负载
// Horizon 是内存回收的安全水位，订阅方直接用，不必回查提交状态
type CommitAdvance struct {
	Seq     uint64
	Horizon uint64
}
