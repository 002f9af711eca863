package consensus

import (
	"testing"

	"dagbft/config"
	"dagbft/types"

	"github.com/stretchr/testify/require"
)

// emptyBatches 不产出批次的来源
type emptyBatches struct{}

func (emptyBatches) NextBatches(max int) [][]byte   { return nil }
func (emptyBatches) MarkCommitted(batches [][]byte) {}

func newTestProposer(t *testing.T, tn *testNet, dag *DAG, self types.NodeID) *Proposer {
	t.Helper()
	cfg := config.DefaultConfig().Consensus
	return NewProposer(self, tn.vs, dag, &testSigner{priv: tn.keys[self]},
		emptyBatches{}, NewReputation(1, 10), newTestLogger(t), cfg, 1, nil)
}

// TestProposerExcludesEquivocator 有双块证据的作者，它那一轮的块不进引用层
func TestProposerExcludesEquivocator(t *testing.T) {
	tn := newTestNet(t, 4)
	dag, _, _ := newTestEngine(t, tn)

	rows := tn.buildRounds(t, 1)
	insertRows(t, dag, rows)

	// val01 在第 1 轮再出一个内容不同的块
	second := tn.makeBlock(t, "val01", 1, rows[0], [][]byte{[]byte("other")})
	_, err := dag.Insert(second, "val01")
	require.ErrorIs(t, err, ErrEquivocation)
	require.True(t, dag.EquivocatedAt(1, "val01"))

	p := newTestProposer(t, tn, dag, "val00")
	require.NoError(t, p.propose(2))

	b, ok := dag.BlockAt(2, "val00")
	require.True(t, ok)
	require.Len(t, b.Ancestors, 3)
	for _, ref := range b.Ancestors {
		require.NotEqual(t, types.NodeID("val01"), ref.Author)
	}
}

// TestProposerNeedsEligibleQuorum 去掉等价作者后引用层不够 quorum 就不出块
func TestProposerNeedsEligibleQuorum(t *testing.T) {
	tn := newTestNet(t, 4)
	dag, _, _ := newTestEngine(t, tn)

	// 第 1 轮只有 3 个作者出块，其中 val01 还留了双块证据
	rows := tn.buildRoundsWith(t, 1, func(round uint64, author types.NodeID) bool {
		return author != "val03"
	})
	insertRows(t, dag, rows)
	second := tn.makeBlock(t, "val01", 1, rows[0], [][]byte{[]byte("other")})
	_, err := dag.Insert(second, "val01")
	require.ErrorIs(t, err, ErrEquivocation)

	// 在场权重 3 够 quorum，可用权重只剩 2
	require.True(t, dag.QuorumAt(1))
	require.Equal(t, uint64(2), dag.EligibleWeightAt(1))

	p := newTestProposer(t, tn, dag, "val00")
	require.Error(t, p.propose(2))
	_, ok := dag.BlockAt(2, "val00")
	require.False(t, ok)
}
