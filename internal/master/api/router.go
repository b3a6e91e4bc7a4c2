// Package api exposes the control plane over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"ember/pkg/model"
)

// ControlPlane is what the handlers need from the master.
type ControlPlane interface {
	Provision(ctx context.Context, req model.ProvisionRequest) (*model.ProvisionResult, error)
	Deprovision(ctx context.Context, id string)
	Register(node *model.Node) error
	RecordInference(id string, report model.InferenceReport) bool
	Nodes() []*model.Node
	Node(id string) (*model.Node, bool)
	Counts() (running, total int)
}

type Handlers struct {
	cp     ControlPlane
	logger *zap.Logger
}

func NewRouter(cp ControlPlane, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handlers{cp: cp, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.logger))

	r.Get("/health", h.handleHealth)
	r.Post("/provision", h.handleProvision)

	r.Route("/nodes", func(r chi.Router) {
		r.Get("/", h.handleListNodes)
		r.Post("/", h.handleRegisterNode)
		r.Get("/{id}", h.handleGetNode)
		r.Delete("/{id}", h.handleDeleteNode)
		r.Post("/{id}/inference", h.handleRecordInference)
	})
	return r
}

// requestLogger writes one access log line per request through zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("requestId", middleware.GetReqID(r.Context())),
			)
		})
	}
}
