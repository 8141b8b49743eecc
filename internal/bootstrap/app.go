package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	httpHandler "github.com/pumarogie/clock-synchronization-world/internal/handler/http"
	wsHandler "github.com/pumarogie/clock-synchronization-world/internal/handler/websocket"
	"github.com/pumarogie/clock-synchronization-world/internal/hub"
	"github.com/pumarogie/clock-synchronization-world/internal/ratelimit"
	"github.com/pumarogie/clock-synchronization-world/internal/room"
	"github.com/pumarogie/clock-synchronization-world/internal/store"
	"github.com/pumarogie/clock-synchronization-world/internal/tasks"
	"github.com/pumarogie/clock-synchronization-world/internal/worker"
)

const (
	// 周期任务节拍（hub 内部的 100ms/500ms/1s 节拍在 hub 包里）。
	roomReapInterval    = time.Minute
	limiterSweepEvery   = 10 * time.Second
	gateSweepEvery      = 60 * time.Second
	roomReapSchedule    = "@every 1m"
	shutdownGracePeriod = 10 * time.Second
)

// Config 存储从环境变量加载的配置。
type Config struct {
	Port          string
	Hostname      string
	RedisURL      string
	InstanceID    string
	AppEnv        string // development / production
	LogLevel      string
	KeyPrefix     string // Redis key 前缀
	Standalone    bool   // true 时用进程内存储，不连 Redis
	PingInterval  time.Duration
	GateThreshold int // 连接准入阈值（每来源每分钟）
}

// LoadConfig 从环境变量加载配置。
func LoadConfig() (*Config, error) {
	// 优先加载 .env 文件（如果存在），忽略错误，允许只用环境变量
	_ = godotenv.Load()

	cfg := &Config{
		Port:         os.Getenv("PORT"),
		Hostname:     os.Getenv("HOSTNAME"),
		RedisURL:     os.Getenv("REDIS_URL"),
		InstanceID:   os.Getenv("INSTANCE_ID"),
		AppEnv:       os.Getenv("APP_ENV"),
		LogLevel:     os.Getenv("LOG_LEVEL"),
		KeyPrefix:    os.Getenv("REDIS_KEY_PREFIX"),
		PingInterval: hub.DefaultPingInterval,
	}

	// --- 默认值 ---
	if cfg.Port == "" {
		cfg.Port = "3000"
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.RedisURL == "" {
		cfg.RedisURL = "redis://localhost:6379"
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = fmt.Sprintf("instance-%d", os.Getpid())
	}
	if cfg.AppEnv == "" {
		cfg.AppEnv = "development"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "wp:"
	}

	if raw := os.Getenv("STANDALONE"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("STANDALONE must be a boolean, got %q", raw)
		}
		cfg.Standalone = v
	}

	if raw := os.Getenv("PING_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("PING_INTERVAL must be a positive duration, got %q", raw)
		}
		cfg.PingInterval = d
	}

	if raw := os.Getenv("GATE_THRESHOLD"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("GATE_THRESHOLD must be a positive integer, got %q", raw)
		}
		cfg.GateThreshold = v
	}

	if _, err := strconv.Atoi(cfg.Port); err != nil {
		return nil, fmt.Errorf("PORT must be numeric, got %q", cfg.Port)
	}

	// 验证日志级别
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

// App 包含应用的所有组件。
type App struct {
	Config      *Config
	Log         *logrus.Logger
	Store       store.Store
	Rooms       *room.Manager
	Limiter     *ratelimit.Limiter
	Gate        *ratelimit.ConnectionGate
	Hub         *hub.Hub
	HttpServer  *http.Server
	AsynqClient *asynq.Client
	AsynqServer *worker.WorkerServer

	scheduler *asynq.Scheduler
	redisOpt  asynq.RedisClientOpt

	// 周期清理任务的生命周期
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// NewApp 创建并初始化应用的所有组件。
func NewApp() (*App, error) {
	// 1. 加载配置
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, err
	}

	// 2. 初始化 Logger
	log := logrus.New()
	if cfg.AppEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	}
	logLevel, _ := logrus.ParseLevel(cfg.LogLevel)
	log.SetLevel(logLevel)
	log.SetOutput(os.Stdout)
	log.WithField("instance", cfg.InstanceID).Info("Configuration loaded")

	// 3. 初始化存储端口
	var st store.Store
	if cfg.Standalone {
		st = store.NewMemoryStore()
		log.Info("Running standalone: in-process KV/PubSub store")
	} else {
		redisStore, err := store.NewRedisStore(cfg.RedisURL, log)
		if err != nil {
			return nil, fmt.Errorf("failed to init Redis store: %w", err)
		}
		st = redisStore
		log.Info("Redis store initialized")
	}

	// 4. 初始化核心组件
	roomManager := room.NewManager(st, cfg.KeyPrefix, log)
	limiter := ratelimit.NewLimiter(st, log)
	gate := ratelimit.NewConnectionGate(st, cfg.GateThreshold, log)
	hubInstance := hub.New(st, roomManager, limiter, cfg.InstanceID, cfg.PingInterval, log)
	log.Info("Hub initialized")

	// 确保默认大厅存在
	if err := roomManager.EnsureDefaultRoom(context.Background()); err != nil {
		log.WithError(err).Warn("Failed to ensure default room at startup")
	}

	// 5. 集群模式下初始化 Asynq（调度器 + worker），驱动空房间回收
	app := &App{
		Config:  cfg,
		Log:     log,
		Store:   st,
		Rooms:   roomManager,
		Limiter: limiter,
		Gate:    gate,
		Hub:     hubInstance,
	}
	app.bgCtx, app.bgCancel = context.WithCancel(context.Background())

	if !cfg.Standalone {
		connOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis uri for asynq: %w", err)
		}
		redisOpt, ok := connOpt.(asynq.RedisClientOpt)
		if !ok {
			return nil, fmt.Errorf("unsupported redis uri for asynq: %s", cfg.RedisURL)
		}
		app.redisOpt = redisOpt
		app.AsynqClient = asynq.NewClient(redisOpt)
		app.AsynqServer = worker.NewWorkerServer(redisOpt, roomManager, log)
		log.Info("Asynq client and worker initialized")
	}

	// 6. 初始化 Handlers 和 Gin 路由
	timeHandler := httpHandler.NewTimeHandler()
	websocketHandler := wsHandler.NewHandler(hubInstance, gate, cfg.InstanceID)

	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(log))
	router.Use(corsMiddleware())

	router.GET("/health", timeHandler.Health)
	router.GET("/time", timeHandler.Exchange)
	router.POST("/time", timeHandler.Exchange)
	router.GET("/ws", websocketHandler.HandleConnection)
	log.Info("Router setup complete")

	// 7. HTTP Server
	app.HttpServer = &http.Server{
		Addr:    cfg.Hostname + ":" + cfg.Port,
		Handler: router,
	}

	log.Info("Application assembled successfully")
	return app, nil
}

// Start 启动所有后台组件和 HTTP 服务器。
func (a *App) Start() {
	a.Log.Info("Starting application background routines...")
	go a.Hub.Run()

	// 限流本地窗口和连接准入记录的清理
	a.Limiter.StartSweeper(a.bgCtx, limiterSweepEvery)
	a.Gate.StartSweeper(a.bgCtx, gateSweepEvery)

	if a.AsynqServer != nil {
		go a.AsynqServer.Start()
		a.registerPeriodicTasks()
	} else {
		// 单机模式：进程内定时器替代 Asynq 调度器
		go a.localReapLoop()
	}

	go func() {
		a.Log.Infof("HTTP server listening on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
}

// registerPeriodicTasks 把空房间回收注册到 Asynq 调度器（@every 1m）。
func (a *App) registerPeriodicTasks() {
	a.scheduler = asynq.NewScheduler(a.redisOpt, &asynq.SchedulerOpts{})

	payload, err := tasks.NewRoomReapTask("scheduler")
	if err != nil {
		a.Log.Errorf("Failed to create room reap task payload: %v", err)
		return
	}
	task := asynq.NewTask(tasks.TypeRoomReap, payload)

	entryID, err := a.scheduler.Register(roomReapSchedule, task, asynq.Queue("default"))
	if err != nil {
		a.Log.Errorf("Could not register periodic room reap task: %v", err)
	} else {
		a.Log.Infof("Periodic room reap registered with schedule '%s' (EntryID: %s)", roomReapSchedule, entryID)
	}

	go func() {
		a.Log.Info("Asynq scheduler starting...")
		if err := a.scheduler.Run(); err != nil {
			if !errors.Is(err, asynq.ErrServerClosed) {
				a.Log.Errorf("Asynq scheduler Run() failed: %v", err)
			} else {
				a.Log.Info("Asynq scheduler stopped.")
			}
		}
	}()
}

// localReapLoop 是单机模式下的空房间回收（语义与调度任务相同）。
func (a *App) localReapLoop() {
	ticker := time.NewTicker(roomReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.bgCtx.Done():
			return
		case <-ticker.C:
			if _, err := a.Rooms.CleanupEmptyRooms(a.bgCtx); err != nil {
				a.Log.WithError(err).Warn("Local room reap failed")
			}
		}
	}
}

// Shutdown 优雅关闭：停收新连接、关会话、刷批、停调度器和 worker、关存储。
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")

	// 1. 关 HTTP 服务器（停止接受新连接）
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	} else {
		a.Log.Info("HTTP server shut down gracefully.")
	}

	// 2. 停 Hub（关会话、撤订阅、最后刷一次批）
	a.Hub.Stop()

	// 3. 停周期清理任务
	a.bgCancel()

	// 4. 停调度器和 Worker
	if a.scheduler != nil {
		a.scheduler.Shutdown()
	}
	if a.AsynqServer != nil {
		a.AsynqServer.Shutdown()
	}
	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			a.Log.Errorf("Error closing Asynq client: %v", err)
		}
	}

	// 5. 关存储端口
	if err := a.Store.Close(); err != nil {
		a.Log.Errorf("Error closing store: %v", err)
	}

	a.Log.Info("Application shutdown complete.")
}

// LoggerMiddleware 创建请求日志中间件。
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}

		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        path,
		})
		if statusCode >= 500 {
			entry.Error("Server error")
		} else if statusCode >= 400 {
			entry.Warn("Client error")
		} else {
			entry.Info("Request handled")
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowedOrigin := os.Getenv("CORS_ALLOWED_ORIGIN")
		if allowedOrigin == "" {
			allowedOrigin = "*"
		}
		c.Writer.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Requested-With")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
