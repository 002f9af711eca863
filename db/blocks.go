package db

import (
	"encoding/binary"
	"fmt"
	"strings"

	"dagbft/types"

	"github.com/hashicorp/go-msgpack/codec"
)

var evidenceCodecHandle = &codec.MsgpackHandle{}

// SaveBlock 持久化区块和它的 (round, author) 索引
// 返回时区块已落盘：收到的区块必须先持久化再对外确认
func (mgr *Manager) SaveBlock(b *types.Block) error {
	data, err := types.EncodeBlock(b)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	digest := b.ComputeDigest()
	mgr.EnqueueSet(blockKey(digest), data)
	mgr.EnqueueSet(roundKey(b.Round, string(b.Author)), []byte(digest))
	return mgr.ForceFlush()
}

// GetBlock 按摘要读取区块
func (mgr *Manager) GetBlock(digest string) (*types.Block, bool, error) {
	data, ok, err := mgr.Get(blockKey(digest))
	if err != nil || !ok {
		return nil, false, err
	}
	b, err := types.DecodeBlock(data)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// GetBlockByAuthorRound 通过轮次索引查找区块
func (mgr *Manager) GetBlockByAuthorRound(author types.NodeID, round uint64) (*types.Block, bool, error) {
	digest, ok, err := mgr.Get(roundKey(round, string(author)))
	if err != nil || !ok {
		return nil, false, err
	}
	return mgr.GetBlock(string(digest))
}

// GetBlocksByRound 返回某一轮的全部区块
func (mgr *Manager) GetBlocksByRound(round uint64) ([]*types.Block, error) {
	var blocks []*types.Block
	err := mgr.IteratePrefix(roundPrefix(round), func(key, value []byte) (bool, error) {
		b, ok, err := mgr.GetBlock(string(value))
		if err != nil {
			return false, err
		}
		if ok {
			blocks = append(blocks, b)
		}
		return true, nil
	})
	return blocks, err
}

// AppendCommit 把区块追加到提交日志并推进提交索引，同步落盘
// seq 是该区块在全序中的位置，写入后不可变
func (mgr *Manager) AppendCommit(seq uint64, digest string) error {
	mgr.EnqueueSet(commitKey(seq), []byte(digest))
	idx := make([]byte, 8)
	binary.BigEndian.PutUint64(idx, seq+1)
	mgr.EnqueueSet([]byte(keyCommitIndex), idx)
	return mgr.ForceFlush()
}

// LoadCommitIndex 读取已提交条数（0 表示空日志）
func (mgr *Manager) LoadCommitIndex() (uint64, error) {
	data, ok, err := mgr.Get([]byte(keyCommitIndex))
	if err != nil || !ok {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt commit index: %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// GetCommit 读取提交日志第 seq 位的区块摘要
func (mgr *Manager) GetCommit(seq uint64) (string, bool, error) {
	data, ok, err := mgr.Get(commitKey(seq))
	if err != nil || !ok {
		return "", false, err
	}
	return string(data), true, nil
}

// ReplayBlocks 回放全部已持久化区块，崩溃恢复时重建 DAG 用
func (mgr *Manager) ReplayBlocks(fn func(*types.Block) error) error {
	return mgr.IteratePrefix([]byte(prefixBlock), func(key, value []byte) (bool, error) {
		b, err := types.DecodeBlock(value)
		if err != nil {
			return false, fmt.Errorf("corrupt block at %s: %w", key, err)
		}
		if err := fn(b); err != nil {
			return false, err
		}
		return true, nil
	})
}

// ReplayCommits 按提交顺序回放提交日志
func (mgr *Manager) ReplayCommits(fn func(seq uint64, digest string) error) error {
	count, err := mgr.LoadCommitIndex()
	if err != nil {
		return err
	}
	for seq := uint64(0); seq < count; seq++ {
		digest, ok, err := mgr.GetCommit(seq)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("commit log hole at seq %d", seq)
		}
		if err := fn(seq, digest); err != nil {
			return err
		}
	}
	return nil
}

// SaveEvidence 持久化双块证据，epoch 边界导出给治理层
func (mgr *Manager) SaveEvidence(ev *types.EquivocationEvidence) error {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, evidenceCodecHandle)
	if err := enc.Encode(ev); err != nil {
		return err
	}
	mgr.EnqueueSet(evidenceKey(string(ev.Author), ev.Round), buf)
	return mgr.ForceFlush()
}

// LoadEvidence 读取全部证据
func (mgr *Manager) LoadEvidence() ([]*types.EquivocationEvidence, error) {
	var out []*types.EquivocationEvidence
	err := mgr.IteratePrefix([]byte(prefixEvidence), func(key, value []byte) (bool, error) {
		var ev types.EquivocationEvidence
		dec := codec.NewDecoderBytes(value, evidenceCodecHandle)
		if err := dec.Decode(&ev); err != nil {
			return false, fmt.Errorf("corrupt evidence at %s: %w", key, err)
		}
		out = append(out, &ev)
		return true, nil
	})
	return out, err
}

// HasEvidence 查询某 (author, round) 是否已有证据
func (mgr *Manager) HasEvidence(author types.NodeID, round uint64) (bool, error) {
	_, ok, err := mgr.Get(evidenceKey(string(author), round))
	return ok, err
}

// EvidenceAuthors 返回有证据在案的验证者集合
func (mgr *Manager) EvidenceAuthors() (map[types.NodeID]int, error) {
	counts := make(map[types.NodeID]int)
	err := mgr.IteratePrefix([]byte(prefixEvidence), func(key, value []byte) (bool, error) {
		rest := strings.TrimPrefix(string(key), prefixEvidence)
		if i := strings.LastIndexByte(rest, '_'); i > 0 {
			counts[types.NodeID(rest[:i])]++
		}
		return true, nil
	})
	return counts, err
}
