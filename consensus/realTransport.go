package consensus

import (
	"math/rand"

	"dagbft/logs"
	"dagbft/sender"
	"dagbft/types"
)

// ============================================
// 真实网络传输
// ============================================

// RealTransport 基于 HTTP/3 的 Transport 实现
// 出站消息编码后交给 SenderManager POST；入站消息由 HTTP 层
// 解码校验后通过 Inject 推进接收信道。
// 发送是尽力而为：失败只记日志，丢的块靠拉取和同步补
type RealTransport struct {
	self   types.NodeID
	peers  []types.NodeID
	sm     *sender.SenderManager
	logger logs.Logger
	inbox  chan types.Message
}

func NewRealTransport(self types.NodeID, vs *types.ValidatorSet, sm *sender.SenderManager, logger logs.Logger) *RealTransport {
	return &RealTransport{
		self:   self,
		peers:  vs.Peers(self),
		sm:     sm,
		logger: logger,
		inbox:  make(chan types.Message, 20000),
	}
}

func (t *RealTransport) Send(to types.NodeID, msg types.Message) error {
	data, err := types.EncodeMessage(&msg)
	if err != nil {
		return err
	}
	return t.sm.PostMessage(to, data)
}

func (t *RealTransport) Broadcast(msg types.Message, peers []types.NodeID) {
	data, err := types.EncodeMessage(&msg)
	if err != nil {
		t.logger.Error("encode broadcast %s: %v", msg.Type, err)
		return
	}
	for _, peer := range peers {
		go func(p types.NodeID) {
			if err := t.sm.PostMessage(p, data); err != nil {
				t.logger.Trace("broadcast %s to %s: %v", msg.Type, p, err)
			}
		}(peer)
	}
}

// SamplePeers 随机取 count 个对端，count < 0 取全部
func (t *RealTransport) SamplePeers(exclude types.NodeID, count int) []types.NodeID {
	out := make([]types.NodeID, 0, len(t.peers))
	for _, p := range t.peers {
		if p != exclude {
			out = append(out, p)
		}
	}
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	if count >= 0 && count < len(out) {
		out = out[:count]
	}
	return out
}

func (t *RealTransport) Receive() <-chan types.Message {
	return t.inbox
}

// Inject HTTP 层解码校验后的消息入队
// 队列满说明处理跟不上，丢掉并返回 false，靠同步机制补
func (t *RealTransport) Inject(msg types.Message) bool {
	select {
	case t.inbox <- msg:
		return true
	default:
		t.logger.Warn("inbox full, dropping %s from %s", msg.Type, msg.From)
		return false
	}
}
