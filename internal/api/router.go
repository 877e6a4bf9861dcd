package api

import (
	"net/http"

	"droppack/internal/config"
	dpmiddleware "droppack/internal/middleware"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// NewRouter 构建 HTTP 路由，集中注册所有对外服务的端点。
// 上传相关端点受鉴权保护，文件与项目的读取端点是公开分享链接，不鉴权。
func NewRouter(cfg *config.Config, rdb *redis.Client, uploads *UploadHandler, files *FileHandler, projects *ProjectHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(dpmiddleware.CORS(cfg.CORSAllowedOrigins))
	if rdb != nil {
		r.Use(dpmiddleware.RedisRateLimit(rdb, cfg.RateLimitRequests, cfg.RateLimitWindow))
	} else {
		// 无 Redis 时退回进程内限流，仅单实例下成立
		r.Use(dpmiddleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
	}
	r.Use(dpmiddleware.Metrics())

	// 健康检查不需要鉴权
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Prometheus 指标端点
	r.Handle("/metrics", promhttp.Handler())

	if files != nil {
		files.RegisterRoutes(r)
	}
	if projects != nil {
		projects.RegisterRoutes(r)
	}

	if uploads != nil {
		if cfg.AuthEnabled {
			r.Group(func(r chi.Router) {
				if cfg.JWKSURL != "" || cfg.JWTSecret != "" {
					r.Use(dpmiddleware.BearerAuth(cfg.JWKSURL, cfg.JWTSecret))
				} else {
					r.Use(dpmiddleware.APIKeyAuth(cfg.APIKeys))
				}
				uploads.RegisterRoutes(r)
			})
		} else {
			// 无需鉴权（开发模式）
			uploads.RegisterRoutes(r)
		}
	}

	return r
}
