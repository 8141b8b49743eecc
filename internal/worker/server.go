package worker

import (
	"context"
	"errors"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/pumarogie/clock-synchronization-world/internal/room"
	"github.com/pumarogie/clock-synchronization-world/internal/tasks"
)

// WorkerServer 封装 Asynq Worker Server 的启动和关闭。
// 只在集群模式（有 Redis）下运行；单机模式用进程内定时器替代。
type WorkerServer struct {
	server *asynq.Server
	rooms  *room.Manager
	log    *logrus.Entry
}

// NewWorkerServer 创建 WorkerServer 实例。
func NewWorkerServer(redisOpt asynq.RedisClientOpt, rooms *room.Manager, logger *logrus.Logger) *WorkerServer {
	logEntry := logger.WithField("component", "worker_server")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				"default": 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retryCount, _ := asynq.GetRetryCount(ctx)
				logEntry.WithFields(logrus.Fields{
					"task_type": task.Type(),
					"retries":   retryCount,
				}).Errorf("Task failed: %v", err)
			}),
		},
	)

	return &WorkerServer{
		server: server,
		rooms:  rooms,
		log:    logEntry,
	}
}

// Start 运行 Worker Server。应在单独的 goroutine 中调用。
func (ws *WorkerServer) Start() {
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeRoomReap, NewRoomReapHandler(ws.rooms).ProcessTask)

	ws.log.Info("Worker server starting...")
	if err := ws.server.Run(mux); err != nil {
		if !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, asynq.ErrServerClosed) {
			ws.log.Fatalf("Could not run worker server: %v", err)
		} else {
			ws.log.Info("Worker server stopped.")
		}
	}
}

// Shutdown 优雅关闭 Worker Server。
func (ws *WorkerServer) Shutdown() {
	ws.log.Info("Shutting down worker server...")
	ws.server.Shutdown()
	ws.log.Info("Worker server shut down complete.")
}
