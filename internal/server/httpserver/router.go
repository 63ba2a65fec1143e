package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/yndnr/vmsnap-go/internal/core/service"
	"github.com/yndnr/vmsnap-go/internal/server/httpserver/handler"
	"github.com/yndnr/vmsnap-go/internal/telemetry/metric"
)

// RouterConfig holds configuration for the HTTP router.
type RouterConfig struct {
	Service *service.SnapshotService
	Logger  *slog.Logger

	// Metrics records request metrics and serves /metrics. Nil disables
	// both.
	Metrics *metric.Registry

	// RateLimit is requests per second per client IP; zero disables it.
	RateLimit float64
	RateBurst int
}

// NewRouter builds the API handler with its middleware chain.
//
// Order: RequestID -> Recover -> RateLimit -> AccessLog -> Handler.
// /metrics skips the rate limit and the access log.
func NewRouter(cfg *RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	h := handler.New(cfg.Service, log)

	api := []Middleware{RequestID(), Recover(log)}
	if cfg.RateLimit > 0 {
		api = append(api, RateLimit(cfg.RateLimit, cfg.RateBurst))
	}
	api = append(api, AccessLog(log, cfg.Metrics))

	mux := http.NewServeMux()
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", Chain(cfg.Metrics.Handler(), Recover(log)))
	}
	mux.Handle("/", Chain(h, api...))
	return mux
}
