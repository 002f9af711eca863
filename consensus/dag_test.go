package consensus

import (
	"errors"
	"testing"

	"dagbft/types"

	"github.com/stretchr/testify/require"
)

// TestDAGInsertAndIndex 基本插入与索引
func TestDAGInsertAndIndex(t *testing.T) {
	tn := newTestNet(t, 4)
	dag, _, _ := newTestEngine(t, tn)

	rows := tn.buildRounds(t, 2)
	insertRows(t, dag, rows)

	require.Equal(t, uint64(2), dag.HighestRound())
	require.True(t, dag.QuorumAt(1))
	require.True(t, dag.QuorumAt(2))
	require.Equal(t, 4, dag.AuthorCountAt(1))

	b, ok := dag.BlockAt(1, tn.ids[0])
	require.True(t, ok)
	require.Equal(t, tn.ids[0], b.Author)
}

// TestDAGInsertIdempotent 重复插入同一摘要是 no-op
func TestDAGInsertIdempotent(t *testing.T) {
	tn := newTestNet(t, 4)
	dag, _, store := newTestEngine(t, tn)

	b := tn.makeBlock(t, tn.ids[0], 1, tn.genesisLayer(), nil)
	inserted, err := dag.Insert(b, b.Author)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = dag.Insert(b, b.Author)
	require.NoError(t, err)
	require.False(t, inserted)

	require.Equal(t, 4+1, dag.Size()) // 4 个创世块 + 1
	_, ok := store.Get(b.ComputeDigest())
	require.True(t, ok)
}

// TestDAGMissingAncestor 缺祖先的区块被拒绝并报出缺口
func TestDAGMissingAncestor(t *testing.T) {
	tn := newTestNet(t, 4)
	dag, _, _ := newTestEngine(t, tn)

	rows := tn.buildRounds(t, 2)
	// 第 1 轮一个块都不插，直接插第 2 轮
	b := rows[2][0]
	_, err := dag.Insert(b, b.Author)
	require.ErrorIs(t, err, ErrMissingAncestor)

	missing := dag.MissingAncestors(b)
	require.Len(t, missing, 4)

	// 补齐第 1 轮后就能插进去
	for _, p := range rows[1] {
		_, err := dag.Insert(p, p.Author)
		require.NoError(t, err)
	}
	inserted, err := dag.Insert(b, b.Author)
	require.NoError(t, err)
	require.True(t, inserted)
}

// TestDAGEquivocation 同一 (author, round) 的第二个块触发证据登记
func TestDAGEquivocation(t *testing.T) {
	tn := newTestNet(t, 4)
	dag, _, store := newTestEngine(t, tn)

	genesis := tn.genesisLayer()
	first := tn.makeBlock(t, tn.ids[1], 1, genesis, nil)
	second := tn.makeBlock(t, tn.ids[1], 1, genesis, [][]byte{[]byte("different")})
	require.NotEqual(t, first.ComputeDigest(), second.ComputeDigest())

	_, err := dag.Insert(first, first.Author)
	require.NoError(t, err)

	_, err = dag.Insert(second, second.Author)
	require.ErrorIs(t, err, ErrEquivocation)

	// 第一个块留在 DAG，第二个没进
	got, ok := dag.BlockAt(1, tn.ids[1])
	require.True(t, ok)
	require.Equal(t, first.ComputeDigest(), got.ComputeDigest())
	require.False(t, dag.Contains(second.ComputeDigest()))

	evidence := store.Evidence()
	require.Len(t, evidence, 1)
	require.Equal(t, tn.ids[1], evidence[0].Author)
	require.Equal(t, uint64(1), evidence[0].Round)
}

// TestDAGStorageFailure 落盘失败时区块不进 DAG
func TestDAGStorageFailure(t *testing.T) {
	tn := newTestNet(t, 4)
	dag, _, store := newTestEngine(t, tn)

	store.FailPuts = 1
	b := tn.makeBlock(t, tn.ids[0], 1, tn.genesisLayer(), nil)
	_, err := dag.Insert(b, b.Author)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrMissingAncestor))
	require.False(t, dag.Contains(b.ComputeDigest()))

	// 存储恢复后重插成功
	inserted, err := dag.Insert(b, b.Author)
	require.NoError(t, err)
	require.True(t, inserted)
}

// TestDAGReaches 因果可达性
func TestDAGReaches(t *testing.T) {
	tn := newTestNet(t, 4)
	dag, _, _ := newTestEngine(t, tn)

	rows := tn.buildRounds(t, 3)
	insertRows(t, dag, rows)

	target := rows[1][0]
	from := rows[3][2]
	require.True(t, dag.Reaches(from, target.ComputeDigest(), target.Round))

	// 反方向不可达
	require.False(t, dag.Reaches(target, from.ComputeDigest(), from.Round))
}

// TestDAGSupportWeight 完整层上所有块都支持更早的块
func TestDAGSupportWeight(t *testing.T) {
	tn := newTestNet(t, 4)
	dag, _, _ := newTestEngine(t, tn)

	rows := tn.buildRounds(t, 3)
	insertRows(t, dag, rows)

	leader := rows[1][0]
	require.Equal(t, uint64(4), dag.SupportWeight(leader, 3))
	require.GreaterOrEqual(t, dag.SupportWeight(leader, 3), tn.vs.QuorumThreshold())
}

// TestDAGSupportWeightPartial 只有部分链路引用目标时权重按实际可达算
func TestDAGSupportWeightPartial(t *testing.T) {
	tn := newTestNet(t, 4)
	dag, _, _ := newTestEngine(t, tn)

	genesis := tn.genesisLayer()
	target := tn.makeBlock(t, tn.ids[3], 1, genesis, nil)

	// 其余三个验证者的第 1 轮块
	others := make([]*types.Block, 0, 3)
	for _, id := range tn.ids[:3] {
		others = append(others, tn.makeBlock(t, id, 1, genesis, nil))
	}
	for _, b := range append(append([]*types.Block{}, others...), target) {
		_, err := dag.Insert(b, b.Author)
		require.NoError(t, err)
	}

	// 第 2 轮：两个块引用 target，两个块只引用其它三个
	withTarget := append(append([]*types.Block{}, others...), target)
	for i, id := range tn.ids {
		parents := others
		if i < 2 {
			parents = withTarget
		}
		b := tn.makeBlock(t, id, 2, parents, nil)
		_, err := dag.Insert(b, b.Author)
		require.NoError(t, err)
	}

	require.Equal(t, uint64(2), dag.SupportWeight(target, 2))
}

// TestDAGPruneBelow 回收后的区块不在内存索引里，但还能从存储读
func TestDAGPruneBelow(t *testing.T) {
	tn := newTestNet(t, 4)
	dag, _, store := newTestEngine(t, tn)

	rows := tn.buildRounds(t, 3)
	insertRows(t, dag, rows)

	sizeBefore := dag.Size()
	pruned := dag.PruneBelow(2) // 回收第 0、1 轮
	require.Equal(t, 8, pruned) // 4 创世 + 4 个第 1 轮
	require.Equal(t, sizeBefore-8, dag.Size())

	_, ok := dag.BlockAt(1, tn.ids[0])
	require.False(t, ok)
	_, ok = store.Get(rows[1][0].ComputeDigest())
	require.True(t, ok)
}
