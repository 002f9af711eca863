package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"dagbft/batchpool"
	"dagbft/consensus"
	"dagbft/logs"
	"dagbft/middleware"
	"dagbft/sender"
	"dagbft/types"
)

// ============================================
// HTTP 路由
// ============================================

// HandlerManager 节点对外的 HTTP/3 接口
// 共识消息走 POST 入口，解码校验后注入传输层；
// 状态、区块、证据提供只读查询；批次提交入口给上游 mempool 用
type HandlerManager struct {
	node      *consensus.Node
	transport *consensus.RealTransport
	pool      *batchpool.Pool
	limiter   *middleware.RateLimiter
	logger    logs.Logger
	maxBody   int64
}

func NewHandlerManager(
	node *consensus.Node,
	transport *consensus.RealTransport,
	pool *batchpool.Pool,
	limiter *middleware.RateLimiter,
	logger logs.Logger,
	maxBody int64,
) *HandlerManager {
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	return &HandlerManager{
		node:      node,
		transport: transport,
		pool:      pool,
		limiter:   limiter,
		logger:    logger,
		maxBody:   maxBody,
	}
}

// RegisterRoutes 挂全部路由，共识入口套限流
func (hm *HandlerManager) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(sender.ConsensusPath,
		hm.limiter.Wrap(http.HandlerFunc(hm.handleConsensusMessage)))
	mux.HandleFunc("/v1/status", hm.handleStatus)
	mux.HandleFunc("/v1/block", hm.handleBlock)
	mux.HandleFunc("/v1/evidence", hm.handleEvidence)
	mux.HandleFunc("/v1/batch", hm.handleSubmitBatch)
}

// handleConsensusMessage 共识消息入口
func (hm *HandlerManager) handleConsensusMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, hm.maxBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	msg, ok, err := types.DecodeMessage(body)
	if err != nil {
		hm.logger.Debug("undecodable message from %s: %v", r.RemoteAddr, err)
		http.Error(w, "bad message", http.StatusBadRequest)
		return
	}
	if !ok {
		// 摘要不符：传输损坏或对端作恶
		if msg != nil && msg.From != "" {
			hm.node.Reputation().RecordInvalid(msg.From)
		}
		http.Error(w, "payload digest mismatch", http.StatusBadRequest)
		return
	}

	// 身份头是限流记账的依据，必须和消息声称的发送者一致：
	// 冒用别人的 ID 会把恶意流量记到无辜验证者头上
	if claimed := r.Header.Get(middleware.HeaderNodeID); claimed != "" && claimed != string(msg.From) {
		hm.node.Reputation().RecordInvalid(msg.From)
		http.Error(w, "identity mismatch", http.StatusBadRequest)
		return
	}

	if !hm.transport.Inject(*msg) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleStatus 状态页
func (hm *HandlerManager) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, hm.node.Status())
}

// handleBlock 按摘要查区块
func (hm *HandlerManager) handleBlock(w http.ResponseWriter, r *http.Request) {
	digest := r.URL.Query().Get("digest")
	if digest == "" {
		http.Error(w, "missing digest", http.StatusBadRequest)
		return
	}
	b, ok := hm.node.DAG().Get(digest)
	if !ok {
		b, ok = hm.node.Store().Get(digest)
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, b)
}

// handleEvidence 导出等价块证据，epoch 边界治理层拉取
func (hm *HandlerManager) handleEvidence(w http.ResponseWriter, r *http.Request) {
	evidence := hm.node.Store().Evidence()
	if evidence == nil {
		evidence = []*types.EquivocationEvidence{}
	}
	writeJSON(w, evidence)
}

// handleSubmitBatch 上游提交批次摘要
func (hm *HandlerManager) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, hm.maxBody))
	if err != nil || len(body) == 0 {
		http.Error(w, "empty batch", http.StatusBadRequest)
		return
	}
	if err := hm.pool.SubmitBatch(body); err != nil {
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
	}
}
