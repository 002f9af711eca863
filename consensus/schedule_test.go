package consensus

import (
	"testing"

	"dagbft/types"

	"github.com/stretchr/testify/require"
)

func TestLeaderScheduleRoundMapping(t *testing.T) {
	tn := newTestNet(t, 4)
	sched := NewLeaderSchedule(tn.vs, 3)

	require.Equal(t, uint64(1), sched.LeaderRound(0))
	require.Equal(t, uint64(4), sched.LeaderRound(1))
	require.Equal(t, uint64(7), sched.LeaderRound(2))

	require.Equal(t, uint64(0), sched.WaveOf(1))
	require.Equal(t, uint64(0), sched.WaveOf(3))
	require.Equal(t, uint64(1), sched.WaveOf(4))
	require.Equal(t, uint64(1), sched.WaveOf(6))
	require.Equal(t, uint64(2), sched.WaveOf(7))

	require.True(t, sched.IsLeaderRound(1))
	require.False(t, sched.IsLeaderRound(2))
	require.False(t, sched.IsLeaderRound(3))
	require.True(t, sched.IsLeaderRound(4))
	require.False(t, sched.IsLeaderRound(0))
}

func TestLeaderScheduleRotation(t *testing.T) {
	tn := newTestNet(t, 4)
	sched := NewLeaderSchedule(tn.vs, 3)

	require.Equal(t, types.NodeID("val00"), sched.LeaderFor(0))
	require.Equal(t, types.NodeID("val01"), sched.LeaderFor(1))
	require.Equal(t, types.NodeID("val02"), sched.LeaderFor(2))
	require.Equal(t, types.NodeID("val03"), sched.LeaderFor(3))
	// 一圈之后回到起点
	require.Equal(t, types.NodeID("val00"), sched.LeaderFor(4))
	require.Equal(t, types.NodeID("val01"), sched.LeaderFor(405))
}

func TestScoreboardWindow(t *testing.T) {
	board := NewScoreboard(4)
	a, b := types.NodeID("val00"), types.NodeID("val01")

	board.Observe(a)
	board.Observe(a)
	board.Observe(b)
	require.False(t, board.WindowFull())
	require.Equal(t, uint64(2), board.Score(a))
	require.Equal(t, uint64(1), board.Score(b))

	board.Observe(b)
	require.True(t, board.WindowFull())

	// 窗口滑动，最早的两个 a 被挤出
	board.Observe(b)
	board.Observe(b)
	require.Equal(t, uint64(0), board.Score(a))
	require.Equal(t, uint64(4), board.Score(b))

	snap := board.Snapshot()
	require.Equal(t, uint64(4), snap[b])
}

func TestReputationThrottle(t *testing.T) {
	rep := NewReputation(1, 3)
	p := types.NodeID("val02")

	require.False(t, rep.Throttled(p))

	rep.RecordTimeout(p)
	rep.RecordTimeout(p)
	require.False(t, rep.Throttled(p))
	rep.RecordTimeout(p)
	require.True(t, rep.Throttled(p))

	// 双块一次即降权
	q := types.NodeID("val03")
	rep.RecordEquivocation(q)
	require.True(t, rep.Throttled(q))

	rep.RecordGossip(p)
	rep.RecordInvalid(p)
	rep.RecordProposal(p)
	snap := rep.Snapshot()
	require.Equal(t, 3, snap[p].Timeouts)
	require.Equal(t, uint64(1), snap[p].GossipsSeen)
	require.Equal(t, 1, snap[p].InvalidMsgs)
	require.Equal(t, uint64(1), snap[p].Proposals)
}
