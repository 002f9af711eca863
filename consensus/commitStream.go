package consensus

import (
	"sync"

	"dagbft/interfaces"
	"dagbft/types"
)

// ============================================
// 提交序列订阅
// ============================================

// CommitStream 给执行层消费提交序列用
// 从任意起始位置订阅：先补历史再接实时，位置连续不重不漏。
// 实时事件和历史回放之间用锁衔接，订阅建立期间到达的提交
// 不会被跳过
type CommitStream struct {
	mu    sync.Mutex
	store interfaces.BlockStore
	subs  []*commitSub
}

type commitSub struct {
	next uint64
	ch   chan types.CommitNotice
}

func NewCommitStream(store interfaces.BlockStore, events interfaces.EventBus) *CommitStream {
	cs := &CommitStream{store: store}
	events.Subscribe(types.EventBlockCommitted, func(e interfaces.Event) {
		notice, ok := e.Data().(types.CommitNotice)
		if !ok {
			return
		}
		cs.deliver(notice)
	})
	return cs
}

// Subscribe 从 fromSeq 开始订阅提交序列
// 历史部分由独立 goroutine 逐条补，立即返回；起点再早、缓冲再小
// 也不会卡住提交路径，消费慢只阻塞自己的补历史 goroutine
func (cs *CommitStream) Subscribe(fromSeq uint64, buffer int) <-chan types.CommitNotice {
	if buffer <= 0 {
		buffer = 256
	}
	sub := &commitSub{next: fromSeq, ch: make(chan types.CommitNotice, buffer)}
	go cs.backfill(sub)
	return sub.ch
}

// backfill 锁外逐条补历史，追平当前提交索引后切到实时分发
// 切换在锁内完成：确认没有落差才挂进 subs，位置不重不漏
func (cs *CommitStream) backfill(sub *commitSub) {
	for {
		cs.mu.Lock()
		if sub.next >= cs.store.CommitIndex() {
			cs.subs = append(cs.subs, sub)
			cs.mu.Unlock()
			return
		}
		cs.mu.Unlock()

		b, ok := cs.store.CommitAt(sub.next)
		if !ok {
			// 日志空洞只能断流，消费方重新订阅
			close(sub.ch)
			return
		}
		sub.ch <- types.CommitNotice{Seq: sub.next, Block: b}
		sub.next++
	}
}

func (cs *CommitStream) deliver(notice types.CommitNotice) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, sub := range cs.subs {
		if notice.Seq != sub.next {
			// 乱序或重复，按存储补齐
			for sub.next < notice.Seq {
				b, ok := cs.store.CommitAt(sub.next)
				if !ok {
					return
				}
				sub.ch <- types.CommitNotice{Seq: sub.next, Block: b}
				sub.next++
			}
			if notice.Seq < sub.next {
				continue
			}
		}
		sub.ch <- notice
		sub.next++
	}
}
