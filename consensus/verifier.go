package consensus

import (
	"encoding/hex"
	"fmt"

	"dagbft/types"
	"dagbft/utils"

	lru "github.com/hashicorp/golang-lru"
)

// ============================================
// 区块结构与签名校验
// ============================================

// Verifier 对收到的区块做无状态校验：作者合法、签名有效、
// 引用层结构正确。祖先是否在本地由 DAG 负责
type Verifier struct {
	vs         *types.ValidatorSet
	pubKeys    map[types.NodeID][]byte
	sigCache   *lru.Cache // digest -> struct{}，验过签的区块
	maxBatches int
}

func NewVerifier(vs *types.ValidatorSet, maxBatchesPerBlock int) (*Verifier, error) {
	pubKeys := make(map[types.NodeID][]byte, vs.Len())
	for _, id := range vs.IDs() {
		v, _ := vs.ByID(id)
		raw, err := hex.DecodeString(v.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("validator %s: bad public key: %w", id, err)
		}
		pubKeys[id] = raw
	}
	cache, _ := lru.New(4096)
	if maxBatchesPerBlock <= 0 {
		maxBatchesPerBlock = 32
	}
	return &Verifier{
		vs:         vs,
		pubKeys:    pubKeys,
		sigCache:   cache,
		maxBatches: maxBatchesPerBlock,
	}, nil
}

// VerifyBlock 校验一个从网络收到的区块
// 返回 nil 表示结构与签名都合法（不保证祖先在本地）
func (v *Verifier) VerifyBlock(b *types.Block) error {
	if b == nil {
		return fmt.Errorf("nil block")
	}
	if !v.vs.Contains(b.Author) {
		return ErrUnknownAuthor
	}
	if b.Round == 0 {
		// 创世块只在本地生成，不从网络接收
		return fmt.Errorf("%w: round 0 blocks are local only", ErrInvalidRound)
	}
	if len(b.Batches) > v.maxBatches {
		return fmt.Errorf("too many batches: %d > %d", len(b.Batches), v.maxBatches)
	}

	if err := v.verifyAncestry(b); err != nil {
		return err
	}
	return v.verifySignature(b)
}

// verifyAncestry 检查引用层：全部指向上一轮、作者互不重复、权重达到 quorum
func (v *Verifier) verifyAncestry(b *types.Block) error {
	seen := make(map[types.NodeID]bool, len(b.Ancestors))
	var weight uint64
	for _, ref := range b.Ancestors {
		if ref.Round != b.Round-1 {
			return fmt.Errorf("%w: block round %d references round %d", ErrInvalidRound, b.Round, ref.Round)
		}
		if !v.vs.Contains(ref.Author) {
			return fmt.Errorf("%w: ancestor author %s", ErrUnknownAuthor, ref.Author)
		}
		if seen[ref.Author] {
			return fmt.Errorf("%w: %s", ErrDuplicateAncestor, ref.Author)
		}
		seen[ref.Author] = true
		weight += v.vs.WeightOf(ref.Author)
	}
	if weight < v.vs.QuorumThreshold() {
		return fmt.Errorf("%w: weight %d < %d", ErrInsufficientQuorum, weight, v.vs.QuorumThreshold())
	}
	return nil
}

func (v *Verifier) verifySignature(b *types.Block) error {
	digest := b.ComputeDigest()
	if v.sigCache.Contains(digest) {
		return nil
	}
	pub := v.pubKeys[b.Author]
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return fmt.Errorf("bad digest encoding: %w", err)
	}
	if !utils.VerifyECDSASignature(pub, raw, b.Signature) {
		return ErrInvalidSignature
	}
	v.sigCache.Add(digest, struct{}{})
	return nil
}
