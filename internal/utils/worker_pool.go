package utils

import (
	"sync"

	"go.uber.org/zap"

	logger "github.com/Gopher0727/ChatHub/middleware/log"
)

// WorkerPool 通用协程池，用于把非关键路径的工作 (如事件归档) 移出请求协程
type WorkerPool struct {
	JobQueue  chan func()
	WorkerNum int

	log      *logger.Logger
	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once
}

// NewWorkerPool 创建一个新的协程池
func NewWorkerPool(workerNum, queueSize int, log *logger.Logger) *WorkerPool {
	if workerNum <= 0 {
		workerNum = 1
	}
	return &WorkerPool{
		JobQueue:  make(chan func(), queueSize),
		WorkerNum: workerNum,
		log:       log.Named("worker_pool"),
		quit:      make(chan struct{}),
	}
}

// Start 启动协程池
func (p *WorkerPool) Start() {
	for i := 0; i < p.WorkerNum; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
	p.log.Info("worker pool started", zap.Int("workers", p.WorkerNum), zap.Int("queue", cap(p.JobQueue)))
}

func (p *WorkerPool) work(workerID int) {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.JobQueue:
			p.run(workerID, job)
		case <-p.quit:
			// 退出前把队列里剩余的任务执行完
			for {
				select {
				case job := <-p.JobQueue:
					p.run(workerID, job)
				default:
					return
				}
			}
		}
	}
}

// run 使用 recover 防止单个任务 panic 导致 worker 挂掉
func (p *WorkerPool) run(workerID int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("job panicked", zap.Int("worker", workerID), zap.Any("panic", r))
		}
	}()
	job()
}

// Submit 提交任务到协程池，队列满时阻塞
func (p *WorkerPool) Submit(job func()) {
	p.JobQueue <- job
}

// TrySubmit 非阻塞提交，队列满时返回 false
func (p *WorkerPool) TrySubmit(job func()) bool {
	select {
	case p.JobQueue <- job:
		return true
	default:
		return false
	}
}

// Stop 停止协程池，等待已入队的任务执行完毕
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.wg.Wait()
	})
}
