package types

import (
	"bytes"
	"crypto/sha256"

	"github.com/hashicorp/go-msgpack/codec"
)

// 消息类型
type MessageType string

const (
	MsgBlock         MessageType = "MsgBlock"         // 区块 gossip
	MsgFetchRequest  MessageType = "MsgFetchRequest"  // 按引用拉取缺失区块
	MsgFetchResponse MessageType = "MsgFetchResponse" // 拉取响应
	MsgRangeRequest  MessageType = "MsgRangeRequest"  // 按轮次区间拉取（落后追赶）
	MsgRangeResponse MessageType = "MsgRangeResponse"
	MsgCommitProbe   MessageType = "MsgCommitProbe" // 询问对端提交进度
	MsgCommitState   MessageType = "MsgCommitState" // 提交进度应答
)

// 基础消息结构
// PayloadDigest 覆盖除自身外的全部字段，收端校验完整性
type Message struct {
	Type      MessageType
	From      NodeID
	RequestID uint32

	// For MsgBlock / MsgFetchResponse / MsgRangeResponse
	Block  *Block
	Blocks []*Block

	// For MsgFetchRequest
	Wants []BlockRef

	// For MsgRangeRequest
	FromRound uint64
	ToRound   uint64

	// For MsgCommitProbe / MsgCommitState
	CommitIndex uint64
	Round       uint64

	PayloadDigest []byte
}

var messageCodecHandle = &codec.MsgpackHandle{}

// EncodeMessage 计算负载摘要并序列化消息
func EncodeMessage(m *Message) ([]byte, error) {
	m.PayloadDigest = nil
	body, err := marshalMessage(m)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(body)
	m.PayloadDigest = sum[:]
	return marshalMessage(m)
}

// DecodeMessage 反序列化并校验负载摘要
// 摘要不符说明传输损坏或对端作恶，返回 ok=false
func DecodeMessage(data []byte) (*Message, bool, error) {
	var m Message
	dec := codec.NewDecoderBytes(data, messageCodecHandle)
	if err := dec.Decode(&m); err != nil {
		return nil, false, err
	}
	claimed := m.PayloadDigest
	m.PayloadDigest = nil
	body, err := marshalMessage(&m)
	if err != nil {
		return nil, false, err
	}
	sum := sha256.Sum256(body)
	m.PayloadDigest = claimed
	if !bytes.Equal(claimed, sum[:]) {
		return &m, false, nil
	}
	return &m, true, nil
}

func marshalMessage(m *Message) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, messageCodecHandle)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return buf, nil
}
