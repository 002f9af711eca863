package db

import "fmt"

// 键空间布局：
//   block_<digest>                      完整区块（msgpack）
//   round_<round:020d>_<author>         (round, author) -> digest 索引
//   commit_<seq:020d>                   提交序列：seq -> digest
//   commitIndex                         已提交条数
//   evidence_<author>_<round:020d>      双块证据（msgpack）

const (
	prefixBlock    = "block_"
	prefixRound    = "round_"
	prefixCommit   = "commit_"
	prefixEvidence = "evidence_"
	keyCommitIndex = "commitIndex"
)

func blockKey(digest string) []byte {
	return []byte(prefixBlock + digest)
}

func roundKey(round uint64, author string) []byte {
	return []byte(fmt.Sprintf("%s%020d_%s", prefixRound, round, author))
}

func roundPrefix(round uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d_", prefixRound, round))
}

func commitKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixCommit, seq))
}

func evidenceKey(author string, round uint64) []byte {
	return []byte(fmt.Sprintf("%s%s_%020d", prefixEvidence, author, round))
}
