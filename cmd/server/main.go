package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"droppack/internal/analytics"
	"droppack/internal/api"
	"droppack/internal/config"
	"droppack/internal/database"
	"droppack/internal/files"
	"droppack/internal/logging"
	"droppack/internal/migrations"
	"droppack/internal/optimize"
	repopg "droppack/internal/repository/postgres"
	"droppack/internal/session"
	"droppack/internal/storage"
	localstorage "droppack/internal/storage/local"
	s3storage "droppack/internal/storage/s3"
	"droppack/internal/upload"
	"droppack/internal/usage"

	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New()
	logger.Println("配置加载完成，开始启动服务")

	ctx := context.Background()

	db, err := database.Connect(ctx, cfg)
	if err != nil {
		logger.Fatalf("连接数据库失败: %v", err)
	}
	defer db.Close()

	if err := migrations.Apply(ctx, db); err != nil {
		logger.Fatalf("执行迁移失败: %v", err)
	}

	metaRepo := repopg.NewFileMetadataRepository(db)
	projectRepo := repopg.NewProjectRepository(db)

	blobs, err := newBlobStorage(ctx, cfg)
	if err != nil {
		logger.Fatalf("初始化对象存储失败: %v", err)
	}

	var rdb *redis.Client
	var sessions session.Store
	var gate usage.Gate = usage.AllowAll{}
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatalf("连接 Redis 失败: %v", err)
		}
		sessions = session.NewRedisStore(rdb, cfg.SessionTTL)
		if cfg.DailyUploadLimit > 0 {
			gate = usage.NewRedisGate(rdb, cfg.DailyUploadLimit)
		}
	} else {
		logger.Println("未配置 REDIS_ADDR，会话存于进程内，仅限单实例开发使用")
		sessions = session.NewMemoryStore(cfg.SessionTTL)
	}

	pipeline := optimize.New(blobs, metaRepo, sessions, logger)
	pipeline.Start(cfg.OptimizeWorkers)

	uploadSvc := upload.NewService(sessions, blobs, metaRepo, projectRepo, pipeline, gate, logger, upload.Config{
		ChunkSize:            cfg.ChunkSize,
		MaxFileSize:          cfg.MaxFileSize,
		MaxFiles:             cfg.MaxFiles,
		Progressive:          cfg.ProgressiveOptimize,
		ProgressiveThreshold: cfg.ProgressiveThreshold,
		PublicBaseURL:        cfg.PublicBaseURL,
	})
	fileSvc := files.NewService(metaRepo, blobs, analytics.NewLogSink(logger), logger)

	// 分块体积允许少量元数据/编码富余
	maxChunkBytes := cfg.ChunkSize + 1024*1024

	router := api.NewRouter(
		cfg,
		rdb,
		api.NewUploadHandler(uploadSvc, logger, maxChunkBytes),
		api.NewFileHandler(fileSvc, logger),
		api.NewProjectHandler(projectRepo, metaRepo, logger),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		ReadTimeout:  15 * time.Minute, // 单个分块最长传输时间
		WriteTimeout: 30 * time.Minute, // 大文件下载
		IdleTimeout:  120 * time.Second,
		Handler:      router,
	}

	logger.Printf("服务监听端口 :%s\n", cfg.HTTPPort)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("监听失败: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("优雅关闭失败: %v", err)
	}

	// 排空后台优化队列后再退出
	pipeline.Close()

	logger.Println("服务已停止")
}

func newBlobStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	if cfg.StorageDriver == "s3" {
		return s3storage.New(ctx, s3storage.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			PathStyle: cfg.S3PathStyle,
		})
	}
	return localstorage.New(cfg.StorageDir, cfg.PublicBaseURL+"/files"), nil
}
