package consensus

import (
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"dagbft/logs"
	"dagbft/types"
	"dagbft/utils"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func newTestLogger(t *testing.T) logs.Logger {
	t.Helper()
	return logs.NewNodeLogger(t.Name())
}

// testNet 测试用的验证者集合和私钥
type testNet struct {
	vs   *types.ValidatorSet
	keys map[types.NodeID]*secp256k1.PrivateKey
	ids  []types.NodeID
}

func newTestNet(t *testing.T, n int) *testNet {
	t.Helper()
	validators := make([]types.Validator, n)
	keys := make(map[types.NodeID]*secp256k1.PrivateKey, n)
	for i := 0; i < n; i++ {
		priv, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		id := types.NodeID(fmt.Sprintf("val%02d", i))
		keys[id] = priv
		validators[i] = types.Validator{
			ID:        id,
			PublicKey: hex.EncodeToString(priv.PubKey().SerializeCompressed()),
			Weight:    1,
			Addr:      fmt.Sprintf("127.0.0.1:%d", 7000+i),
		}
	}
	vs, err := types.NewValidatorSet(validators)
	if err != nil {
		t.Fatalf("validator set: %v", err)
	}
	return &testNet{vs: vs, keys: keys, ids: vs.IDs()}
}

// makeBlock 构造一个签好名的区块
func (tn *testNet) makeBlock(t *testing.T, author types.NodeID, round uint64, parents []*types.Block, batches [][]byte) *types.Block {
	t.Helper()
	refs := make([]types.BlockRef, 0, len(parents))
	for _, p := range parents {
		refs = append(refs, p.Ref())
	}
	b := &types.Block{
		Author:    author,
		Round:     round,
		Ancestors: refs,
		Batches:   batches,
		Timestamp: time.Now().UnixNano(),
	}
	b.SortAncestors()
	tn.sign(t, b)
	return b
}

func (tn *testNet) sign(t *testing.T, b *types.Block) {
	t.Helper()
	raw, err := hex.DecodeString(b.ComputeDigest())
	if err != nil {
		t.Fatalf("decode digest: %v", err)
	}
	b.Signature = utils.SignDigest(tn.keys[b.Author], raw)
}

// genesisLayer 第 0 轮的创世区块
func (tn *testNet) genesisLayer() []*types.Block {
	out := make([]*types.Block, 0, len(tn.ids))
	for _, id := range tn.ids {
		out = append(out, types.GenesisBlock(id))
	}
	return out
}

// buildRounds 构造 rounds 个完整轮次：每轮每个验证者一块，引用上一轮全部区块
// 返回 rows[r] = 第 r 轮的区块（rows[0] 是创世层）
func (tn *testNet) buildRounds(t *testing.T, rounds int) [][]*types.Block {
	t.Helper()
	return tn.buildRoundsWith(t, rounds, func(round uint64, author types.NodeID) bool { return true })
}

// buildRoundsWith 同 buildRounds，include 返回 false 的 (round, author) 不出块
func (tn *testNet) buildRoundsWith(t *testing.T, rounds int, include func(round uint64, author types.NodeID) bool) [][]*types.Block {
	t.Helper()
	rows := make([][]*types.Block, rounds+1)
	rows[0] = tn.genesisLayer()
	for r := 1; r <= rounds; r++ {
		for _, id := range tn.ids {
			if !include(uint64(r), id) {
				continue
			}
			rows[r] = append(rows[r], tn.makeBlock(t, id, uint64(r), rows[r-1], nil))
		}
	}
	return rows
}

// newTestEngine DAG + Linearizer + 内存存储，协议测试的最小组合
func newTestEngine(t *testing.T, tn *testNet) (*DAG, *Linearizer, *MemoryBlockStore) {
	t.Helper()
	store := NewMemoryBlockStore()
	events := NewEventBus()
	logger := newTestLogger(t)
	dag := NewDAG(tn.vs, store, events, logger)
	sched := NewLeaderSchedule(tn.vs, 3)
	board := NewScoreboard(100)
	lin := NewLinearizer(dag, tn.vs, sched, board, store, events, logger, 2)
	return dag, lin, store
}

// insertRows 把各轮区块按序插入 DAG
func insertRows(t *testing.T, dag *DAG, rows [][]*types.Block) {
	t.Helper()
	for r := 1; r < len(rows); r++ {
		for _, b := range rows[r] {
			if _, err := dag.Insert(b, b.Author); err != nil {
				t.Fatalf("insert %s@%d: %v", b.Author, b.Round, err)
			}
		}
	}
}

// commitSequence 读出完整提交序列的 (author, round) 列表
func commitSequence(store *MemoryBlockStore) []string {
	var out []string
	for seq := uint64(0); seq < store.CommitIndex(); seq++ {
		b, _ := store.CommitAt(seq)
		out = append(out, fmt.Sprintf("%s@%d", b.Author, b.Round))
	}
	return out
}
