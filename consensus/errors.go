package consensus

import "errors"

// ============================================
// 拒绝原因
// ============================================

var (
	// ErrInvalidSignature 签名验证失败或作者不在验证者集合里
	ErrInvalidSignature = errors.New("invalid block signature")
	// ErrInvalidRound 祖先不在紧邻的上一轮
	ErrInvalidRound = errors.New("ancestor round mismatch")
	// ErrInsufficientQuorum 祖先引用的权重不足 2f+1
	ErrInsufficientQuorum = errors.New("ancestor set below quorum")
	// ErrMissingAncestor 某个被引用的祖先还没到本地，可恢复：
	// 区块进入 suspended 缓冲并触发拉取
	ErrMissingAncestor = errors.New("referenced ancestor not present")
	// ErrEquivocation 同一 (author, round) 出现第二个不同区块
	ErrEquivocation = errors.New("equivocating block")
	// ErrUnknownAuthor 作者不在本 epoch 的验证者集合
	ErrUnknownAuthor = errors.New("author not in validator set")
	// ErrDuplicateAncestor 引用列表里出现重复作者
	ErrDuplicateAncestor = errors.New("duplicate ancestor author")
)
