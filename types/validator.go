package types

import (
	"fmt"
	"sort"
)

// Validator 验证者身份：名字、压缩公钥（hex）、投票权重、网络地址
type Validator struct {
	ID        NodeID
	PublicKey string // 33 字节压缩公钥的 hex
	Weight    uint64
	Addr      string // host:port
}

// ValidatorSet 一个 epoch 内固定的验证者集合
// 构造后按 ID 升序排列，索引即 leader 轮转和位图里的验证者序号
type ValidatorSet struct {
	validators  []Validator
	index       map[NodeID]int
	totalWeight uint64
}

func NewValidatorSet(validators []Validator) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, fmt.Errorf("empty validator set")
	}
	vs := &ValidatorSet{
		validators: append([]Validator(nil), validators...),
		index:      make(map[NodeID]int, len(validators)),
	}
	sort.Slice(vs.validators, func(i, j int) bool {
		return vs.validators[i].ID < vs.validators[j].ID
	})
	for i, v := range vs.validators {
		if v.Weight == 0 {
			return nil, fmt.Errorf("validator %s has zero weight", v.ID)
		}
		if _, dup := vs.index[v.ID]; dup {
			return nil, fmt.Errorf("duplicate validator %s", v.ID)
		}
		vs.index[v.ID] = i
		vs.totalWeight += v.Weight
	}
	return vs, nil
}

func (vs *ValidatorSet) Len() int            { return len(vs.validators) }
func (vs *ValidatorSet) TotalWeight() uint64 { return vs.totalWeight }

// QuorumThreshold 有效 quorum 的最小权重：严格超过 2/3
func (vs *ValidatorSet) QuorumThreshold() uint64 {
	return vs.totalWeight*2/3 + 1
}

// FaultThreshold 容错上限 f 对应的权重（总权重的 1/3 向下取整）
func (vs *ValidatorSet) FaultThreshold() uint64 {
	return (vs.totalWeight - 1) / 3
}

func (vs *ValidatorSet) Contains(id NodeID) bool {
	_, ok := vs.index[id]
	return ok
}

func (vs *ValidatorSet) IndexOf(id NodeID) (int, bool) {
	i, ok := vs.index[id]
	return i, ok
}

func (vs *ValidatorSet) ByIndex(i int) Validator {
	return vs.validators[i]
}

func (vs *ValidatorSet) ByID(id NodeID) (Validator, bool) {
	i, ok := vs.index[id]
	if !ok {
		return Validator{}, false
	}
	return vs.validators[i], true
}

func (vs *ValidatorSet) WeightOf(id NodeID) uint64 {
	i, ok := vs.index[id]
	if !ok {
		return 0
	}
	return vs.validators[i].Weight
}

// IDs 按排序后的顺序返回全部验证者 ID
func (vs *ValidatorSet) IDs() []NodeID {
	ids := make([]NodeID, len(vs.validators))
	for i, v := range vs.validators {
		ids[i] = v.ID
	}
	return ids
}

// Peers 返回除 self 以外的所有验证者 ID
func (vs *ValidatorSet) Peers(self NodeID) []NodeID {
	peers := make([]NodeID, 0, len(vs.validators)-1)
	for _, v := range vs.validators {
		if v.ID != self {
			peers = append(peers, v.ID)
		}
	}
	return peers
}
