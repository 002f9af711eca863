package consensus

import "dagbft/types"

// ============================================
// Leader 轮转
// ============================================

// LeaderSchedule 每个 wave 选出一个 leader：按验证者 ID 升序轮转。
// 纯轮转是验证者集合的确定性函数，不依赖任何本地观察，
// 保证每个诚实节点对任意 wave 算出的 leader 都相同。
// 信誉评分不参与这里的选择，只影响带宽分配和准入限流：
// 把本地统计混进 leader 选举会让不同节点的提交序列分叉
type LeaderSchedule struct {
	vs         *types.ValidatorSet
	waveLength uint64
}

func NewLeaderSchedule(vs *types.ValidatorSet, waveLength uint64) *LeaderSchedule {
	if waveLength == 0 {
		waveLength = 1
	}
	return &LeaderSchedule{vs: vs, waveLength: waveLength}
}

// LeaderRound wave w 的 leader 所在轮次（每个 wave 的第一轮）
func (s *LeaderSchedule) LeaderRound(wave uint64) uint64 {
	return wave*s.waveLength + 1
}

// WaveOf 轮次 round 所属的 wave；round 0 是创世层，不属于任何 wave
func (s *LeaderSchedule) WaveOf(round uint64) uint64 {
	if round == 0 {
		return 0
	}
	return (round - 1) / s.waveLength
}

// IsLeaderRound round 是否是某个 wave 的 leader 轮
func (s *LeaderSchedule) IsLeaderRound(round uint64) bool {
	return round > 0 && (round-1)%s.waveLength == 0
}

// LeaderFor 返回 wave 的 leader
func (s *LeaderSchedule) LeaderFor(wave uint64) types.NodeID {
	return s.vs.ByIndex(int(wave % uint64(s.vs.Len()))).ID
}
