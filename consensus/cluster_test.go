package consensus

import (
	"context"
	"crypto/sha256"
	"fmt"
	"testing"
	"time"

	"dagbft/batchpool"
	"dagbft/config"
	"dagbft/utils"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"
)

// testSigner 测试用签名器
type testSigner struct {
	priv *secp256k1.PrivateKey
}

func (s *testSigner) Sign(digest []byte) ([]byte, error) {
	return utils.SignDigest(s.priv, digest), nil
}

func (s *testSigner) PublicKeyBytes() []byte {
	return s.priv.PubKey().SerializeCompressed()
}

func clusterConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Consensus.MinRoundDelay = 2 * time.Millisecond
	cfg.Consensus.RoundTimeout = 400 * time.Millisecond
	cfg.Consensus.MaxBatchesPerBlock = 8
	cfg.Fetch.Timeout = 300 * time.Millisecond
	cfg.Fetch.RetryDelay = 30 * time.Millisecond
	cfg.Fetch.MaxDelay = 200 * time.Millisecond
	cfg.Fetch.MaxRetries = 10
	cfg.Sync.ProbeInterval = 150 * time.Millisecond
	cfg.Sync.BehindThreshold = 3
	cfg.Sync.BatchRounds = 100
	cfg.Gossip.Fanout = 8
	return cfg
}

type clusterNode struct {
	node  *Node
	store *MemoryBlockStore
	pool  *batchpool.Pool
}

// startCluster 起 n 个节点，共享一个仿真网络
func startCluster(t *testing.T, tn *testNet, nm *NetworkManager, ctx context.Context) []*clusterNode {
	t.Helper()
	cfg := clusterConfig()
	out := make([]*clusterNode, 0, len(tn.ids))
	for _, id := range tn.ids {
		store := NewMemoryBlockStore()
		transport := NewSimulatedTransport(id, nm, ctx)
		logger := newTestLogger(t)
		pool := batchpool.New(10000, 10000, logger)
		node, err := NewNode(cfg, tn.vs, id, &testSigner{priv: tn.keys[id]}, store, transport, pool, logger)
		require.NoError(t, err)
		out = append(out, &clusterNode{node: node, store: store, pool: pool})
	}
	for _, cn := range out {
		cn.node.Start()
	}
	return out
}

func stopCluster(nodes []*clusterNode) {
	for _, cn := range nodes {
		cn.node.Stop()
	}
}

// waitFor 轮询直到条件成立或超时
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// requireSamePrefix 所有节点的提交序列在公共长度内逐位一致
func requireSamePrefix(t *testing.T, nodes []*clusterNode) {
	t.Helper()
	seqs := make([][]string, len(nodes))
	minLen := -1
	for i, cn := range nodes {
		seqs[i] = commitSequence(cn.store)
		if minLen < 0 || len(seqs[i]) < minLen {
			minLen = len(seqs[i])
		}
	}
	for i := 1; i < len(seqs); i++ {
		require.Equal(t, seqs[0][:minLen], seqs[i][:minLen],
			"node %s diverges from node %s", nodes[i].node.ID, nodes[0].node.ID)
	}
}

func TestClusterCommitsAdvance(t *testing.T) {
	if testing.Short() {
		t.Skip("cluster test")
	}
	tn := newTestNet(t, 4)
	nm := NewNetworkManager(2*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodes := startCluster(t, tn, nm, ctx)
	defer stopCluster(nodes)

	waitFor(t, 15*time.Second, "all nodes past 20 commits", func() bool {
		for _, cn := range nodes {
			if cn.node.Linearizer().CommitCount() < 20 {
				return false
			}
		}
		return true
	})
	requireSamePrefix(t, nodes)

	// 每个验证者都在出块，记分板不应该有人挂零
	snap := nodes[0].node.Status().Scores
	for _, id := range tn.ids {
		require.NotZero(t, snap[id], "validator %s has no committed blocks", id)
	}
}

func TestClusterBatchReachesAllNodes(t *testing.T) {
	if testing.Short() {
		t.Skip("cluster test")
	}
	tn := newTestNet(t, 4)
	nm := NewNetworkManager(2*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodes := startCluster(t, tn, nm, ctx)
	defer stopCluster(nodes)

	sum := sha256.Sum256([]byte("transfer batch 42"))
	digest := sum[:]
	require.NoError(t, nodes[0].pool.SubmitBatch(digest))

	// 批次只交给了一个节点，提交后所有节点的提交序列里都能找到
	waitFor(t, 15*time.Second, "batch committed everywhere", func() bool {
		for _, cn := range nodes {
			if !storeHasBatch(cn.store, digest) {
				return false
			}
		}
		return true
	})

	// 提交后从池里清掉，不再被重复打包
	waitFor(t, 5*time.Second, "batch cleared from pool", func() bool {
		return nodes[0].pool.PendingCount() == 0
	})
	requireSamePrefix(t, nodes)
}

func storeHasBatch(store *MemoryBlockStore, digest []byte) bool {
	for seq := uint64(0); seq < store.CommitIndex(); seq++ {
		b, ok := store.CommitAt(seq)
		if !ok {
			return false
		}
		for _, batch := range b.Batches {
			if string(batch) == string(digest) {
				return true
			}
		}
	}
	return false
}

func TestClusterPartitionedNodeCatchesUp(t *testing.T) {
	if testing.Short() {
		t.Skip("cluster test")
	}
	tn := newTestNet(t, 4)
	nm := NewNetworkManager(2*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodes := startCluster(t, tn, nm, ctx)
	defer stopCluster(nodes)

	// 隔离最后一个节点，剩下 3 个仍然够 quorum
	victim := nodes[len(nodes)-1]
	nm.SetPartitioned(victim.node.ID, true)

	waitFor(t, 15*time.Second, "majority advances during partition", func() bool {
		for _, cn := range nodes[:3] {
			if cn.node.Linearizer().CommitCount() < 15 {
				return false
			}
		}
		return true
	})
	behind := victim.node.Linearizer().CommitCount()

	nm.SetPartitioned(victim.node.ID, false)

	target := nodes[0].node.Linearizer().CommitCount()
	waitFor(t, 30*time.Second, fmt.Sprintf("victim catches up past %d", target), func() bool {
		return victim.node.Linearizer().CommitCount() >= target
	})
	require.Greater(t, victim.node.Linearizer().CommitCount(), behind)
	requireSamePrefix(t, nodes)
}

func TestClusterLateJoinerViaFetch(t *testing.T) {
	if testing.Short() {
		t.Skip("cluster test")
	}
	tn := newTestNet(t, 4)
	nm := NewNetworkManager(time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodes := startCluster(t, tn, nm, ctx)
	defer stopCluster(nodes)

	waitFor(t, 15*time.Second, "cluster warm", func() bool {
		return nodes[0].node.Linearizer().CommitCount() >= 10
	})

	// 把一个高轮区块直接塞给另一个节点：缺失祖先会走缓冲 + 拉取路径
	src := nodes[0].node.DAG()
	highest := src.HighestRound()
	blocks := src.BlocksAt(highest)
	require.NotEmpty(t, blocks)

	dst := nodes[1].node
	for _, b := range blocks {
		dst.SubmitBlock(b, nodes[0].node.ID)
	}
	waitFor(t, 10*time.Second, "resubmitted blocks present", func() bool {
		for _, b := range blocks {
			if !dst.DAG().Contains(b.ComputeDigest()) {
				return false
			}
		}
		return true
	})
}
