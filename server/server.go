package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"gorm.io/gorm"

	"YoYoMusic/cache"
	"YoYoMusic/config"
	"YoYoMusic/core/auth"
	"YoYoMusic/core/resolver"
	"YoYoMusic/core/room"
	"YoYoMusic/db"
	"YoYoMusic/logger"
	"YoYoMusic/repository"
	"YoYoMusic/storage"
)

// NewRouter 创建带 CORS 的路由
func NewRouter(manager *room.RoomManager, sendBuffer int) http.Handler {
	router := mux.NewRouter()

	handler := NewRoomHandler(manager, sendBuffer)
	RegisterRoomRoutes(router, handler, AuthMiddleware(manager.Tokens()))

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400,
	})
	return c.Handler(router)
}

// buildRepository 按配置选择房间元数据存储
func buildRepository(cfg *config.Config) (repository.RoomRepository, *gorm.DB, error) {
	switch cfg.RoomRepository {
	case "memory":
		logger.Info("Using in-memory room repository")
		return repository.NewMemoryRoomRepository(), nil, nil
	case "mysql", "":
		gdb, err := db.ConnectGormDB(cfg)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewGormRoomRepository(gdb), gdb, nil
	default:
		return nil, nil, fmt.Errorf("unknown room repository %q", cfg.RoomRepository)
	}
}

// buildRelay 按配置选择跨实例中继
func buildRelay(cfg *config.Config) (room.Relay, error) {
	switch cfg.RelayBackend {
	case "local", "":
		return room.NewLocalRelay(), nil
	case "redis":
		client, err := db.ConnectPubSub(cfg)
		if err != nil {
			return nil, err
		}
		return room.NewRedisRelay(client), nil
	case "nats":
		nc, err := room.ConnectNats(cfg.NatsURL)
		if err != nil {
			return nil, err
		}
		return room.NewNatsRelay(nc), nil
	default:
		return nil, fmt.Errorf("unknown relay backend %q", cfg.RelayBackend)
	}
}

// Start initializes and starts the HTTP server.
func Start() {
	cfg := config.Load()

	if err := logger.InitLogger(logger.Config{
		Level:      cfg.LogLevel,
		OutputPath: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := clockwork.NewRealClock()

	repo, gdb, err := buildRepository(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize room repository", logger.ErrorField(err))
	}
	if gdb != nil {
		defer db.CloseGormDB(gdb)
	}

	// Redis 不可用时退回进程内限流，且不做视图镜像
	var (
		limiter room.RateLimiter
		mirror  *cache.RoomCache
		rdb     *redis.Client
	)
	rdb, err = db.ConnectRedis(cfg)
	if err != nil {
		logger.Warn("Redis unavailable, using in-memory rate limiter", logger.ErrorField(err))
		limiter = cache.NewMemoryRateLimiter(clock)
	} else {
		defer rdb.Close()
		logger.Info("Successfully connected to Redis", logger.String("addr", cfg.RedisAddr()))
		limiter = cache.NewRedisRateLimiter(rdb)
		mirror = cache.NewRoomCache(rdb)
	}

	var archiver room.Archiver
	if cfg.MinioEndpoint != "" {
		mc, err := storage.NewMinioClient(cfg)
		if err != nil {
			logger.Fatal("Failed to initialize MinIO", logger.ErrorField(err))
		}
		if err := storage.EnsureBucket(ctx, mc, cfg.MinioBucket); err != nil {
			logger.Fatal("Failed to ensure MinIO bucket", logger.ErrorField(err))
		}
		archiver = storage.NewHistoryArchive(mc, cfg.MinioBucket, clock)
	}

	defaults, err := config.NewRoomDefaults(cfg.RoomDefaultsFile)
	if err != nil {
		logger.Fatal("Failed to load room defaults", logger.ErrorField(err))
	}
	go func() {
		if err := defaults.Watch(ctx); err != nil {
			logger.Error("Room defaults watcher stopped", logger.ErrorField(err))
		}
	}()

	var res resolver.Resolver
	if cfg.ResolverURL != "" {
		res = resolver.NewHTTPResolver(cfg.ResolverURL, cfg.ResolverTimeout)
	}

	relay, err := buildRelay(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize relay", logger.ErrorField(err))
	}
	hub := room.NewHub()
	go hub.Run()
	if err := relay.Start(ctx, hub.Deliver); err != nil {
		logger.Fatal("Failed to start relay", logger.ErrorField(err))
	}

	storeCfg := room.StoreConfig{
		IdleTTL:    cfg.RoomIdleTTL,
		Clock:      clock,
		Archiver:   archiver,
		InstanceID: cfg.InstanceID,
		LeaseTTL:   cfg.RoomLeaseTTL,
	}
	// 多实例部署：房间归属由 Redis 租约决定，非持有实例经中继转发
	if _, isLocal := relay.(*room.LocalRelay); !isLocal {
		if rdb == nil {
			logger.Fatal("Relay backend requires Redis for room ownership leases",
				logger.String("relay", cfg.RelayBackend))
		}
		forwarder, ok := relay.(room.Forwarder)
		if !ok {
			logger.Fatal("Relay backend cannot forward room operations", logger.String("relay", cfg.RelayBackend))
		}
		storeCfg.Lease = cache.NewRoomLease(rdb)
		storeCfg.Forwarder = forwarder
	}
	deps := room.ManagerDeps{
		Repo:     repo,
		Hub:      hub,
		Limiter:  limiter,
		Resolver: res,
		Tokens:   auth.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL, clock),
		Defaults: defaults,
		Clock:    clock,
	}
	if mirror != nil {
		storeCfg.Mirror = mirror
		deps.Mirror = mirror
	}
	store := room.NewStore(repo, relay, storeCfg)
	if err := store.Serve(ctx); err != nil {
		logger.Fatal("Failed to serve forwarded room operations", logger.ErrorField(err))
	}
	deps.Store = store
	manager := room.NewRoomManager(deps)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      NewRouter(manager, cfg.ClientSendBuffer),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 创建一个通道来接收操作系统信号
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Server starting",
			logger.String("addr", cfg.HTTPAddr),
			logger.String("relay", cfg.RelayBackend),
			logger.String("instance", cfg.InstanceID),
			logger.String("repository", cfg.RoomRepository))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", logger.ErrorField(err))
		}
	}()

	<-stop
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", logger.ErrorField(err))
	}
	// 先停房间 actor，归档历史并删除镜像，再关闭中继
	if err := store.Shutdown(shutdownCtx); err != nil {
		logger.Error("Room store shutdown incomplete", logger.ErrorField(err))
	}
	cancel()
	if err := relay.Close(); err != nil {
		logger.Warn("Relay close failed", logger.ErrorField(err))
	}
	hub.Stop()

	logger.Info("Server stopped")
}
