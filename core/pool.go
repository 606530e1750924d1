package core

import (
	"log/slog"
	"sync"
)

// WorkerPool 协程工作池
type WorkerPool struct {
	logger   *slog.Logger
	workers  int
	taskChan chan func()
	wg       sync.WaitGroup

	started bool
	stopped bool
	mu      sync.RWMutex
}

func NewWorkerPool(logger *slog.Logger, workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &WorkerPool{
		logger:   logger,
		workers:  workers,
		taskChan: make(chan func(), queueSize),
	}
}

func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.started || wp.stopped {
		return
	}
	wp.started = true

	wp.wg.Add(wp.workers)
	for i := 0; i < wp.workers; i++ {
		go func() {
			defer wp.wg.Done()
			for task := range wp.taskChan {
				wp.run(task)
			}
		}()
	}
}

func (wp *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error("[engine] worker task panicked", "error", panicError(r))
		}
	}()
	task()
}

// Submit 非阻塞提交; 队列满返回 ErrQueueFull, 已停止返回 ErrEngineStopped
func (wp *WorkerPool) Submit(task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return ErrEngineStopped
	}

	select {
	case wp.taskChan <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop 停止接收任务并等待已提交的任务执行完
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.taskChan)
	wp.mu.Unlock()

	wp.wg.Wait()
}
