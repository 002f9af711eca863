package consensus

import (
	"math"
	"sync"
	"testing"

	"dagbft/types"

	"github.com/stretchr/testify/require"
)

// captureTransport 只记录出站消息的假传输层
type captureTransport struct {
	mu   sync.Mutex
	sent []types.Message
}

func (ct *captureTransport) Send(to types.NodeID, msg types.Message) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.sent = append(ct.sent, msg)
	return nil
}

func (ct *captureTransport) Broadcast(msg types.Message, peers []types.NodeID) {}

func (ct *captureTransport) SamplePeers(exclude types.NodeID, count int) []types.NodeID { return nil }

func (ct *captureTransport) Receive() <-chan types.Message { return nil }

func (ct *captureTransport) last(t *testing.T) types.Message {
	t.Helper()
	ct.mu.Lock()
	defer ct.mu.Unlock()
	require.NotEmpty(t, ct.sent)
	return ct.sent[len(ct.sent)-1]
}

// TestRangeRequestSpanClamped 超大轮次跨度被封顶，发起方记一次非法消息
func TestRangeRequestSpanClamped(t *testing.T) {
	tn := newTestNet(t, 4)
	store := NewMemoryBlockStore()
	rows := tn.buildRounds(t, 5)
	for r := 1; r < len(rows); r++ {
		for _, b := range rows[r] {
			require.NoError(t, store.Put(b))
		}
	}

	ct := &captureTransport{}
	rep := NewReputation(1, 10)
	h := &MessageHandler{
		self:      "val00",
		rep:       rep,
		store:     store,
		transport: ct,
		logger:    newTestLogger(t),
		maxRange:  3,
	}

	// 恶意对端把 ToRound 顶到最大值
	h.HandleMessage(types.Message{
		Type:      types.MsgRangeRequest,
		From:      "val03",
		FromRound: 1,
		ToRound:   math.MaxUint64,
	})

	resp := ct.last(t)
	require.Equal(t, types.MsgRangeResponse, resp.Type)
	// 只应答封顶后的 1..3 轮
	require.Len(t, resp.Blocks, 12)
	for _, b := range resp.Blocks {
		require.LessOrEqual(t, b.Round, uint64(3))
	}
	require.Equal(t, 1, rep.Snapshot()["val03"].InvalidMsgs)

	// 正常跨度不计非法
	h.HandleMessage(types.Message{
		Type:      types.MsgRangeRequest,
		From:      "val02",
		FromRound: 4,
		ToRound:   5,
	})
	resp = ct.last(t)
	require.Len(t, resp.Blocks, 8)
	require.Equal(t, 0, rep.Snapshot()["val02"].InvalidMsgs)
}

// TestRangeRequestReversedBounds ToRound 小于 FromRound 直接丢弃并记非法
func TestRangeRequestReversedBounds(t *testing.T) {
	ct := &captureTransport{}
	rep := NewReputation(1, 10)
	h := &MessageHandler{
		self:      "val00",
		rep:       rep,
		store:     NewMemoryBlockStore(),
		transport: ct,
		logger:    newTestLogger(t),
		maxRange:  50,
	}

	h.HandleMessage(types.Message{
		Type:      types.MsgRangeRequest,
		From:      "val01",
		FromRound: 9,
		ToRound:   2,
	})

	ct.mu.Lock()
	defer ct.mu.Unlock()
	require.Empty(t, ct.sent)
	require.Equal(t, 1, rep.Snapshot()["val01"].InvalidMsgs)
}
