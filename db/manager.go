package db

import (
	"sync"
	"time"

	"dagbft/logs"

	"github.com/dgraph-io/badger/v2"
	"github.com/dgraph-io/badger/v2/options"
)

// WriteTask 写队列里的一个条目
type WriteTask struct {
	Key      []byte
	Value    []byte
	IsDelete bool
}

type flushRequest struct {
	done chan error
}

// Manager 封装 BadgerDB 的管理器
// 普通写入走异步批量队列；提交路径用 ForceFlush 保证先落盘再确认
type Manager struct {
	Db *badger.DB

	// 队列通道，批量写的 goroutine 用它来取写请求
	writeQueueChan chan WriteTask
	// 强制刷盘通道
	forceFlushChan chan flushRequest
	// 用于通知写队列 goroutine 停止
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// 控制"写多少/多长时间"就落库
	maxBatchSize  int           // 累计多少条就写一次
	flushInterval time.Duration // 间隔多久强制写一次

	Logger logs.Logger
}

// Options 打开数据库的参数
type Options struct {
	Path             string
	ValueLogFileSize int64
	WriteQueueSize   int
	MaxBatchSize     int
	FlushInterval    time.Duration
}

func DefaultOptions(path string) Options {
	return Options{
		Path:             path,
		ValueLogFileSize: 64 << 20,
		WriteQueueSize:   10000,
		MaxBatchSize:     100,
		FlushInterval:    200 * time.Millisecond,
	}
}

// NewManager 打开数据库并启动写队列
func NewManager(opts Options) (*Manager, error) {
	bopts := badger.DefaultOptions(opts.Path).
		WithLogger(nil).
		WithValueLogFileSize(opts.ValueLogFileSize).
		WithCompression(options.Snappy)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}

	mgr := &Manager{
		Db:             db,
		writeQueueChan: make(chan WriteTask, opts.WriteQueueSize),
		forceFlushChan: make(chan flushRequest, 1),
		stopChan:       make(chan struct{}),
		maxBatchSize:   opts.MaxBatchSize,
		flushInterval:  opts.FlushInterval,
		Logger:         logs.NewNodeLogger("db"),
	}
	mgr.wg.Add(1)
	go mgr.runWriteQueue()
	return mgr, nil
}

// EnqueueSet 异步写入，由批量队列落库
func (mgr *Manager) EnqueueSet(key, value []byte) {
	mgr.writeQueueChan <- WriteTask{Key: key, Value: value}
}

// EnqueueDelete 异步删除
func (mgr *Manager) EnqueueDelete(key []byte) {
	mgr.writeQueueChan <- WriteTask{Key: key, IsDelete: true}
}

// ForceFlush 排空写队列并同步落盘，返回时数据已持久化
func (mgr *Manager) ForceFlush() error {
	req := flushRequest{done: make(chan error, 1)}
	select {
	case mgr.forceFlushChan <- req:
		return <-req.done
	case <-mgr.stopChan:
		return badger.ErrDBClosed
	}
}

// runWriteQueue 后台批量写 goroutine
func (mgr *Manager) runWriteQueue() {
	defer mgr.wg.Done()

	pending := make([]WriteTask, 0, mgr.maxBatchSize)
	ticker := time.NewTicker(mgr.flushInterval)
	defer ticker.Stop()

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		wb := mgr.Db.NewWriteBatch()
		defer wb.Cancel()
		for _, task := range pending {
			var err error
			if task.IsDelete {
				err = wb.Delete(task.Key)
			} else {
				err = wb.Set(task.Key, task.Value)
			}
			if err != nil {
				return err
			}
		}
		if err := wb.Flush(); err != nil {
			return err
		}
		pending = pending[:0]
		return nil
	}

	drain := func() {
		for {
			select {
			case task := <-mgr.writeQueueChan:
				pending = append(pending, task)
			default:
				return
			}
		}
	}

	for {
		select {
		case task := <-mgr.writeQueueChan:
			pending = append(pending, task)
			if len(pending) >= mgr.maxBatchSize {
				if err := flush(); err != nil {
					mgr.Logger.Error("write queue flush failed: %v", err)
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				mgr.Logger.Error("write queue flush failed: %v", err)
			}
		case req := <-mgr.forceFlushChan:
			drain()
			err := flush()
			if err != nil {
				mgr.Logger.Error("force flush failed: %v", err)
			}
			req.done <- err
		case <-mgr.stopChan:
			drain()
			if err := flush(); err != nil {
				mgr.Logger.Error("final flush failed: %v", err)
			}
			return
		}
	}
}

// Get 读取单个键，不存在返回 (nil, false, nil)
func (mgr *Manager) Get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := mgr.Db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// SetSync 同步写入单个键（小而关键的元数据用）
func (mgr *Manager) SetSync(key, value []byte) error {
	return mgr.Db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// IteratePrefix 按前缀遍历，fn 返回 false 时停止
func (mgr *Manager) IteratePrefix(prefix []byte, fn func(key, value []byte) (bool, error)) error {
	return mgr.Db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			cont, err := fn(item.KeyCopy(nil), value)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}

// Close 排空队列、落盘并关闭数据库
func (mgr *Manager) Close() error {
	mgr.stopOnce.Do(func() {
		close(mgr.stopChan)
	})
	mgr.wg.Wait()
	return mgr.Db.Close()
}
