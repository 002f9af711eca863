package consensus

import (
	"sync"
	"sync/atomic"
	"time"

	"dagbft/config"
	"dagbft/interfaces"
	"dagbft/logs"
	"dagbft/types"
)

// ============================================
// 同步管理器
// ============================================

// SyncManager 提交进度追赶
// 周期性向随机对端发 MsgCommitProbe 报告自己的进度；
// 对端的 MsgCommitState 应答显示自己落后超过阈值时，
// 按轮次区间发 MsgRangeRequest 批量拉块。
// 拉回来的区块走正常接收路径，轮次升序注入保证因果完整
type SyncManager struct {
	self       types.NodeID
	dag        *DAG
	linearizer *Linearizer
	transport  interfaces.Transport
	logger     logs.Logger
	cfg        config.SyncConfig

	nextRequest uint32
	syncing     atomic.Bool // 在途区间拉取，避免重复发
	stopChan    chan struct{}
	stopOnce    sync.Once
	doneChan    chan struct{}
}

func NewSyncManager(
	self types.NodeID,
	dag *DAG,
	linearizer *Linearizer,
	transport interfaces.Transport,
	logger logs.Logger,
	cfg config.SyncConfig,
) *SyncManager {
	return &SyncManager{
		self:       self,
		dag:        dag,
		linearizer: linearizer,
		transport:  transport,
		logger:     logger,
		cfg:        cfg,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
}

func (sm *SyncManager) Start() {
	go sm.probeLoop()
}

func (sm *SyncManager) Stop() {
	sm.stopOnce.Do(func() { close(sm.stopChan) })
	<-sm.doneChan
}

func (sm *SyncManager) probeLoop() {
	defer close(sm.doneChan)
	ticker := time.NewTicker(sm.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.stopChan:
			return
		case <-ticker.C:
			sm.probe()
		}
	}
}

func (sm *SyncManager) probe() {
	peers := sm.transport.SamplePeers(sm.self, 1)
	if len(peers) == 0 {
		return
	}
	msg := types.Message{
		Type:        types.MsgCommitProbe,
		From:        sm.self,
		RequestID:   atomic.AddUint32(&sm.nextRequest, 1),
		CommitIndex: sm.linearizer.CommitCount(),
		Round:       sm.dag.HighestRound(),
	}
	if err := sm.transport.Send(peers[0], msg); err != nil {
		sm.logger.Trace("commit probe to %s failed: %v", peers[0], err)
	}
}

// HandleCommitState 处理对端的进度应答
func (sm *SyncManager) HandleCommitState(msg types.Message) {
	localRound := sm.dag.HighestRound()
	if msg.Round < localRound+sm.cfg.BehindThreshold {
		return
	}
	if !sm.syncing.CompareAndSwap(false, true) {
		return
	}

	from := localRound
	if from == 0 {
		from = 1
	}
	to := from + sm.cfg.BatchRounds - 1
	if to > msg.Round {
		to = msg.Round
	}

	sm.logger.Info("behind peer %s by %d rounds, requesting rounds [%d, %d]",
		msg.From, msg.Round-localRound, from, to)
	req := types.Message{
		Type:      types.MsgRangeRequest,
		From:      sm.self,
		RequestID: atomic.AddUint32(&sm.nextRequest, 1),
		FromRound: from,
		ToRound:   to,
	}
	if err := sm.transport.Send(msg.From, req); err != nil {
		sm.logger.Debug("range request to %s failed: %v", msg.From, err)
		sm.syncing.Store(false)
	}
}

// RangeDone 一个区间拉取结束（响应处理完或超时），允许发起下一轮
func (sm *SyncManager) RangeDone() {
	sm.syncing.Store(false)
}

// Syncing 是否有在途的区间拉取
func (sm *SyncManager) Syncing() bool {
	return sm.syncing.Load()
}
