package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/hashicorp/go-msgpack/codec"
)

type NodeID string

// BlockRef 唯一标识一个区块：提案者 + 轮次 + 摘要
type BlockRef struct {
	Author NodeID
	Round  uint64
	Digest string
}

func (r BlockRef) String() string {
	return fmt.Sprintf("%s@%d:%s", r.Author, r.Round, ShortDigest(r.Digest))
}

// Block DAG 区块定义
// 创建后不可变，身份由头部字段的 SHA256 摘要决定
type Block struct {
	Author    NodeID
	Round     uint64
	Ancestors []BlockRef // 上一轮的 quorum 引用（按 Author 升序）
	Batches   [][]byte   // 交易批次摘要，顺序即提交后的批次顺序
	Timestamp int64
	Signature []byte // 对头部摘要的签名，不参与摘要计算

	digest string // 缓存的摘要，懒计算
}

var blockCodecHandle = &codec.MsgpackHandle{}

// blockHeader 参与摘要和签名的字段集合
type blockHeader struct {
	Author    NodeID
	Round     uint64
	Ancestors []BlockRef
	Batches   [][]byte
	Timestamp int64
}

// HeaderBytes 返回头部的规范化编码（msgpack）
// Ancestors 在 Proposer 构造时已按 Author 升序排列，编码即规范形式
func (b *Block) HeaderBytes() ([]byte, error) {
	hdr := blockHeader{
		Author:    b.Author,
		Round:     b.Round,
		Ancestors: b.Ancestors,
		Batches:   b.Batches,
		Timestamp: b.Timestamp,
	}
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, blockCodecHandle)
	if err := enc.Encode(hdr); err != nil {
		return nil, err
	}
	return buf, nil
}

// ComputeDigest 计算并缓存区块摘要（hex 编码的 SHA256）
func (b *Block) ComputeDigest() string {
	if b.digest != "" {
		return b.digest
	}
	data, err := b.HeaderBytes()
	if err != nil {
		// 头部只含基本类型，编码不应失败
		panic(fmt.Sprintf("block header encode: %v", err))
	}
	sum := sha256.Sum256(data)
	b.digest = hex.EncodeToString(sum[:])
	return b.digest
}

// Ref 返回指向本区块的引用
func (b *Block) Ref() BlockRef {
	return BlockRef{Author: b.Author, Round: b.Round, Digest: b.ComputeDigest()}
}

// SortAncestors 把引用整理成规范顺序（Author 升序）
func (b *Block) SortAncestors() {
	sort.Slice(b.Ancestors, func(i, j int) bool {
		return b.Ancestors[i].Author < b.Ancestors[j].Author
	})
}

// EncodeBlock 序列化整个区块（含签名），用于落库和网络传输
func EncodeBlock(b *Block) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, blockCodecHandle)
	if err := enc.Encode(b); err != nil {
		return nil, err
	}
	return buf, nil
}

func DecodeBlock(data []byte) (*Block, error) {
	var b Block
	dec := codec.NewDecoderBytes(data, blockCodecHandle)
	if err := dec.Decode(&b); err != nil {
		return nil, err
	}
	return &b, nil
}

// ShortDigest 日志里用的摘要前缀
func ShortDigest(digest string) string {
	if len(digest) > 8 {
		return digest[:8]
	}
	return digest
}

// GenesisBlock 构造某个验证者在第 0 轮的创世区块
// 所有节点本地生成，内容确定，不需要签名
func GenesisBlock(author NodeID) *Block {
	return &Block{
		Author:    author,
		Round:     0,
		Ancestors: nil,
		Batches:   nil,
		Timestamp: 0,
	}
}

// EquivocationEvidence 同一 (author, round) 的两个不同区块，保留用于治理层处置
type EquivocationEvidence struct {
	Author   NodeID
	Round    uint64
	First    *Block
	Second   *Block
	SeenAt   int64
	FromPeer NodeID
}
