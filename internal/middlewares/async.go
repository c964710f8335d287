package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/ChatHub/internal/utils"
	"github.com/Gopher0727/ChatHub/pkg/errs"
)

// Async 异步处理中间件
// 把后续处理链提交到 Worker Pool 执行，限制同时访问数据库的请求数
// 队列满时排队等待而不是拒绝；pool 为 nil 时同步执行
//
// 当前协程阻塞等待任务结束，同一时刻只有一个协程使用 gin.Context
// WebSocket 握手不能经过该中间件，否则长连接会一直占用 worker
func Async(pool *utils.WorkerPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if pool == nil {
			c.Next()
			return
		}

		done := make(chan struct{})
		pool.Submit(func() {
			defer close(done)
			defer func() {
				// worker 协程里的 panic 到不了外层 Recovery，这里先写 500 再交给 pool 记录
				if r := recover(); r != nil {
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": errs.Internal("internal error", nil)})
					panic(r)
				}
			}()
			c.Next()
		})
		<-done
	}
}
