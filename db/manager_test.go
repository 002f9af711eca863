package db

import (
	"fmt"
	"testing"
	"time"

	"dagbft/types"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	opts := DefaultOptions(t.TempDir())
	opts.FlushInterval = 20 * time.Millisecond
	mgr, err := NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func testBlock(author string, round uint64, parents ...*types.Block) *types.Block {
	refs := make([]types.BlockRef, 0, len(parents))
	for _, p := range parents {
		refs = append(refs, p.Ref())
	}
	b := &types.Block{
		Author:    types.NodeID(author),
		Round:     round,
		Ancestors: refs,
		Timestamp: 1700000000,
		Signature: []byte{0x30, 0x01},
	}
	b.SortAncestors()
	return b
}

func TestSaveAndGetBlock(t *testing.T) {
	mgr := newTestManager(t)

	b := testBlock("val00", 1)
	b.Batches = [][]byte{[]byte("batch-a"), []byte("batch-b")}
	require.NoError(t, mgr.SaveBlock(b))

	got, ok, err := mgr.GetBlock(b.ComputeDigest())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, b.Author, got.Author)
	require.Equal(t, b.Round, got.Round)
	require.Equal(t, b.Batches, got.Batches)
	require.Equal(t, b.Signature, got.Signature)
	// 重新解码后的摘要与原块一致
	require.Equal(t, b.ComputeDigest(), got.ComputeDigest())

	_, ok, err = mgr.GetBlock("deadbeef")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRoundIndex(t *testing.T) {
	mgr := newTestManager(t)

	var round2 []*types.Block
	for i := 0; i < 4; i++ {
		b := testBlock(fmt.Sprintf("val%02d", i), 2)
		round2 = append(round2, b)
		require.NoError(t, mgr.SaveBlock(b))
	}
	require.NoError(t, mgr.SaveBlock(testBlock("val00", 3)))

	got, ok, err := mgr.GetBlockByAuthorRound("val01", 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, round2[1].ComputeDigest(), got.ComputeDigest())

	blocks, err := mgr.GetBlocksByRound(2)
	require.NoError(t, err)
	require.Len(t, blocks, 4)

	blocks, err = mgr.GetBlocksByRound(7)
	require.NoError(t, err)
	require.Empty(t, blocks)
}

func TestCommitLog(t *testing.T) {
	mgr := newTestManager(t)

	count, err := mgr.LoadCommitIndex()
	require.NoError(t, err)
	require.Zero(t, count)

	var digests []string
	for i := 0; i < 5; i++ {
		b := testBlock("val00", uint64(i+1))
		require.NoError(t, mgr.SaveBlock(b))
		d := b.ComputeDigest()
		require.NoError(t, mgr.AppendCommit(uint64(i), d))
		digests = append(digests, d)
	}

	count, err = mgr.LoadCommitIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(5), count)

	var replayed []string
	require.NoError(t, mgr.ReplayCommits(func(seq uint64, digest string) error {
		require.Equal(t, uint64(len(replayed)), seq)
		replayed = append(replayed, digest)
		return nil
	}))
	require.Equal(t, digests, replayed)
}

func TestCommitLogHoleDetected(t *testing.T) {
	mgr := newTestManager(t)

	// 日志里跳过 seq 0 直接写 seq 1，回放应报错
	require.NoError(t, mgr.AppendCommit(1, "facade00"))
	err := mgr.ReplayCommits(func(seq uint64, digest string) error { return nil })
	require.Error(t, err)
	require.Contains(t, err.Error(), "hole")
}

func TestReplayBlocksAfterReopen(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)

	mgr, err := NewManager(opts)
	require.NoError(t, err)
	parent := testBlock("val00", 1)
	child := testBlock("val01", 2, parent)
	require.NoError(t, mgr.SaveBlock(parent))
	require.NoError(t, mgr.SaveBlock(child))
	require.NoError(t, mgr.Close())

	// 重开数据库，两块都能回放出来
	mgr, err = NewManager(opts)
	require.NoError(t, err)
	defer mgr.Close()

	seen := make(map[string]bool)
	require.NoError(t, mgr.ReplayBlocks(func(b *types.Block) error {
		seen[b.ComputeDigest()] = true
		return nil
	}))
	require.True(t, seen[parent.ComputeDigest()])
	require.True(t, seen[child.ComputeDigest()])
	require.Len(t, seen, 2)

	// 引用关系完整保留
	got, ok, err := mgr.GetBlock(child.ComputeDigest())
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got.Ancestors, 1)
	require.Equal(t, parent.ComputeDigest(), got.Ancestors[0].Digest)
}

func TestEvidenceRoundtrip(t *testing.T) {
	mgr := newTestManager(t)

	first := testBlock("val02", 4)
	second := testBlock("val02", 4)
	second.Timestamp = first.Timestamp + 1

	ev := &types.EquivocationEvidence{
		Author:   "val02",
		Round:    4,
		First:    first,
		Second:   second,
		SeenAt:   time.Now().UnixNano(),
		FromPeer: "val03",
	}
	require.NoError(t, mgr.SaveEvidence(ev))

	has, err := mgr.HasEvidence("val02", 4)
	require.NoError(t, err)
	require.True(t, has)
	has, err = mgr.HasEvidence("val02", 5)
	require.NoError(t, err)
	require.False(t, has)

	loaded, err := mgr.LoadEvidence()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, types.NodeID("val02"), loaded[0].Author)
	require.NotEqual(t, loaded[0].First.ComputeDigest(), loaded[0].Second.ComputeDigest())

	counts, err := mgr.EvidenceAuthors()
	require.NoError(t, err)
	require.Equal(t, 1, counts["val02"])
}

func TestForceFlushDrainsQueue(t *testing.T) {
	mgr := newTestManager(t)

	for i := 0; i < 500; i++ {
		mgr.EnqueueSet([]byte(fmt.Sprintf("k%04d", i)), []byte("v"))
	}
	require.NoError(t, mgr.ForceFlush())

	val, ok, err := mgr.Get([]byte("k0499"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), val)
}
