package consensus

import (
	"sync"

	"dagbft/interfaces"
	"dagbft/types"
)

// ============================================
// 事件总线
// ============================================

// EventBus 进程内发布订阅
// 同步投递：Publish 返回时全部订阅方都已执行完，提交路径靠这个
// 顺序——批次池要先于 DAG 剪枝看到提交。发布方不能持有
// 订阅方会回查的锁，Linearizer 的 outbox 就是为此存在的
type EventBus struct {
	mu   sync.RWMutex
	subs map[types.EventType][]interfaces.EventHandler
}

func NewEventBus() interfaces.EventBus {
	return &EventBus{subs: make(map[types.EventType][]interfaces.EventHandler)}
}

// Subscribe 追加一个订阅，投递按订阅顺序
func (eb *EventBus) Subscribe(topic types.EventType, handler interfaces.EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	// 写时复制：正在投递中拿到的切片不会被新订阅改写
	cur := eb.subs[topic]
	next := make([]interfaces.EventHandler, len(cur)+1)
	copy(next, cur)
	next[len(cur)] = handler
	eb.subs[topic] = next
}

// Publish 同步投递给该类型的全部订阅方
func (eb *EventBus) Publish(event interfaces.Event) {
	eb.mu.RLock()
	handlers := eb.subs[event.Type()]
	eb.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// PublishAsync 不依赖投递顺序的事件走这里
func (eb *EventBus) PublishAsync(event interfaces.Event) {
	go eb.Publish(event)
}
