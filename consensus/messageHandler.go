package consensus

import (
	"errors"
	"sort"

	"dagbft/interfaces"
	"dagbft/logs"
	"dagbft/types"
)

// ============================================
// 消息分发
// ============================================

// MessageHandler 共识消息的统一入口
// 区块走 验证 -> DAG 插入 -> 推进提交 -> 转发 的主路径；
// 缺祖先的块进悬挂缓冲，等价块和非法消息记进本地信誉。
// 拉取和同步类消息直接用 DAG / 持久层应答
type MessageHandler struct {
	self       types.NodeID
	verifier   *Verifier
	dag        *DAG
	linearizer *Linearizer
	suspended  *SuspendedBuffer
	fetcher    *Fetcher
	gossip     *GossipManager
	sync       *SyncManager
	rep        *Reputation
	store      interfaces.BlockStore
	transport  interfaces.Transport
	logger     logs.Logger

	// maxRange 一次范围请求允许的最大轮次跨度，超出按恶意输入处理
	maxRange uint64

	// onFatal 持久化失败等不可恢复错误的上报，节点应停机
	onFatal func(err error)
}

func NewMessageHandler(
	self types.NodeID,
	verifier *Verifier,
	dag *DAG,
	linearizer *Linearizer,
	suspended *SuspendedBuffer,
	fetcher *Fetcher,
	gossip *GossipManager,
	sync *SyncManager,
	rep *Reputation,
	store interfaces.BlockStore,
	transport interfaces.Transport,
	logger logs.Logger,
	maxRange uint64,
	onFatal func(err error),
) *MessageHandler {
	if maxRange == 0 {
		maxRange = 50
	}
	return &MessageHandler{
		self:       self,
		verifier:   verifier,
		dag:        dag,
		linearizer: linearizer,
		suspended:  suspended,
		fetcher:    fetcher,
		gossip:     gossip,
		sync:       sync,
		rep:        rep,
		store:      store,
		transport:  transport,
		logger:     logger,
		maxRange:   maxRange,
		onFatal:    onFatal,
	}
}

// HandleMessage 按消息类型分发
func (h *MessageHandler) HandleMessage(msg types.Message) {
	switch msg.Type {
	case types.MsgBlock:
		if msg.Block == nil {
			h.rep.RecordInvalid(msg.From)
			return
		}
		h.rep.RecordGossip(msg.From)
		h.SubmitBlock(msg.Block, msg.From)

	case types.MsgFetchRequest:
		h.handleFetchRequest(msg)

	case types.MsgFetchResponse:
		h.ingestBatch(msg.Blocks, msg.From)

	case types.MsgRangeRequest:
		h.handleRangeRequest(msg)

	case types.MsgRangeResponse:
		h.ingestBatch(msg.Blocks, msg.From)
		h.sync.RangeDone()

	case types.MsgCommitProbe:
		h.handleCommitProbe(msg)

	case types.MsgCommitState:
		h.sync.HandleCommitState(msg)

	default:
		h.logger.Debug("unknown message type %q from %s", msg.Type, msg.From)
		h.rep.RecordInvalid(msg.From)
	}
}

// SubmitBlock 区块主路径
// 返回 true 表示区块已进 DAG（新插入或已存在）
func (h *MessageHandler) SubmitBlock(b *types.Block, from types.NodeID) bool {
	digest := b.ComputeDigest()
	if h.dag.Contains(digest) {
		return true
	}

	if err := h.verifier.VerifyBlock(b); err != nil {
		h.logger.Warn("invalid block %s@%d from %s: %v",
			b.Author, b.Round, from, err)
		h.rep.RecordInvalid(from)
		return false
	}

	inserted, err := h.dag.Insert(b, from)
	switch {
	case err == nil:
		// 插入成功，清在途标记、唤醒悬挂块、推进提交
		h.fetcher.Resolved(digest)
		h.suspended.NotifyArrived(digest)
		if err := h.linearizer.Run(); err != nil {
			h.logger.Error("commit advance failed: %v", err)
			if h.onFatal != nil {
				h.onFatal(err)
			}
			return false
		}
		if inserted && b.Author != h.self {
			h.gossip.Relay(b, from)
		}
		return true

	case errors.Is(err, ErrMissingAncestor):
		h.suspended.Add(b, h.dag.MissingAncestors(b), from)
		return false

	case errors.Is(err, ErrEquivocation):
		h.rep.RecordEquivocation(b.Author)
		return false

	default:
		h.logger.Warn("insert block %s@%d: %v", b.Author, b.Round, err)
		return false
	}
}

// ingestBatch 批量注入，轮次升序喂能让大部分块一次进 DAG
func (h *MessageHandler) ingestBatch(blocks []*types.Block, from types.NodeID) {
	if len(blocks) == 0 {
		return
	}
	sorted := append([]*types.Block(nil), blocks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Round < sorted[j].Round })
	for _, b := range sorted {
		h.SubmitBlock(b, from)
	}
}

func (h *MessageHandler) handleFetchRequest(msg types.Message) {
	blocks := make([]*types.Block, 0, len(msg.Wants))
	for _, ref := range msg.Wants {
		if b, ok := h.dag.Get(ref.Digest); ok {
			blocks = append(blocks, b)
			continue
		}
		if b, ok := h.store.Get(ref.Digest); ok {
			blocks = append(blocks, b)
		}
	}
	if len(blocks) == 0 {
		return
	}
	resp := types.Message{
		Type:      types.MsgFetchResponse,
		From:      h.self,
		RequestID: msg.RequestID,
		Blocks:    blocks,
	}
	if err := h.transport.Send(msg.From, resp); err != nil {
		h.logger.Debug("fetch response to %s failed: %v", msg.From, err)
	}
}

func (h *MessageHandler) handleRangeRequest(msg types.Message) {
	if msg.ToRound < msg.FromRound {
		h.rep.RecordInvalid(msg.From)
		return
	}
	// 跨度封顶：不让一条消息钉死一个接收 goroutine 扫整个存储
	to := msg.ToRound
	if to-msg.FromRound >= h.maxRange {
		h.rep.RecordInvalid(msg.From)
		to = msg.FromRound + h.maxRange - 1
	}
	var blocks []*types.Block
	for r := msg.FromRound; r <= to; r++ {
		blocks = append(blocks, h.store.GetByRound(r)...)
	}
	resp := types.Message{
		Type:      types.MsgRangeResponse,
		From:      h.self,
		RequestID: msg.RequestID,
		Blocks:    blocks,
	}
	if err := h.transport.Send(msg.From, resp); err != nil {
		h.logger.Debug("range response to %s failed: %v", msg.From, err)
	}
}

func (h *MessageHandler) handleCommitProbe(msg types.Message) {
	resp := types.Message{
		Type:        types.MsgCommitState,
		From:        h.self,
		RequestID:   msg.RequestID,
		CommitIndex: h.linearizer.CommitCount(),
		Round:       h.dag.HighestRound(),
	}
	if err := h.transport.Send(msg.From, resp); err != nil {
		h.logger.Trace("commit state to %s failed: %v", msg.From, err)
	}
}
