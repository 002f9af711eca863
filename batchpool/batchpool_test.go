package batchpool

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func digestOf(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

func TestPoolSubmitAndDrain(t *testing.T) {
	p := New(100, 100, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, p.SubmitBatch(digestOf(fmt.Sprintf("batch-%d", i))))
	}
	require.Equal(t, 5, p.PendingCount())

	// FIFO，先进先出
	out := p.NextBatches(3)
	require.Len(t, out, 3)
	require.Equal(t, digestOf("batch-0"), out[0])
	require.Equal(t, digestOf("batch-2"), out[2])
	require.Equal(t, 2, p.PendingCount())

	out = p.NextBatches(10)
	require.Len(t, out, 2)
	require.Nil(t, p.NextBatches(10))
}

func TestPoolRejectsEmptyDigest(t *testing.T) {
	p := New(10, 10, nil)
	require.Error(t, p.SubmitBatch(nil))
}

func TestPoolDuplicateSubmitIsNoop(t *testing.T) {
	p := New(10, 10, nil)
	d := digestOf("dup")

	require.NoError(t, p.SubmitBatch(d))
	require.NoError(t, p.SubmitBatch(d))
	require.Equal(t, 1, p.PendingCount())

	submitted, _ := p.Stats()
	require.Equal(t, uint64(1), submitted)
}

func TestPoolFull(t *testing.T) {
	p := New(2, 10, nil)
	require.NoError(t, p.SubmitBatch(digestOf("a")))
	require.NoError(t, p.SubmitBatch(digestOf("b")))
	require.Error(t, p.SubmitBatch(digestOf("c")))

	_, dropped := p.Stats()
	require.Equal(t, uint64(1), dropped)
}

func TestPoolMarkCommittedRemovesPending(t *testing.T) {
	p := New(10, 10, nil)
	a, b, c := digestOf("a"), digestOf("b"), digestOf("c")
	require.NoError(t, p.SubmitBatch(a))
	require.NoError(t, p.SubmitBatch(b))
	require.NoError(t, p.SubmitBatch(c))

	// 别的验证者先把 b 打包提交了
	p.MarkCommitted([][]byte{b})
	require.Equal(t, 2, p.PendingCount())

	out := p.NextBatches(10)
	require.Equal(t, [][]byte{a, c}, out)

	// 已提交的批次再提交直接去重
	require.NoError(t, p.SubmitBatch(b))
	require.Equal(t, 0, p.PendingCount())
}

func TestPoolCommittedAfterDrainNotResubmittable(t *testing.T) {
	p := New(10, 10, nil)
	d := digestOf("once")
	require.NoError(t, p.SubmitBatch(d))

	out := p.NextBatches(1)
	require.Len(t, out, 1)

	// 打包、提交之后重新提交同一批次是 no-op
	p.MarkCommitted(out)
	require.NoError(t, p.SubmitBatch(d))
	require.Equal(t, 0, p.PendingCount())
}

func TestPoolBatchCopyIsolation(t *testing.T) {
	p := New(10, 10, nil)
	d := digestOf("mutate")
	submitted := append([]byte(nil), d...)
	require.NoError(t, p.SubmitBatch(submitted))

	// 上游改自己的切片不影响池里的拷贝
	submitted[0] ^= 0xff
	out := p.NextBatches(1)
	require.Equal(t, d, out[0])
}
