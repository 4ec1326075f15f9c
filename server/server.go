package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"sealdisk"
)

// Disk is the part of *sealdisk.Disk served over HTTP.
type Disk interface {
	Read(key []byte) ([]byte, error)
	Write(key, value []byte) (uint64, error)
	Delete(key []byte) (uint64, error)
	NewBatch() *sealdisk.Batch
	CommitBatch(b *sealdisk.Batch) (uint64, error)
	Sync() error
	Flush() error
	Merge() error
	CompactJournal() error
	Stats() sealdisk.Stats
}

type Server struct {
	httpAddr     string
	engine       *chi.Mux
	disk         Disk
	logger       *zap.Logger
	maxValueSize int64
	srv          *http.Server
}

func NewServer(addr string, disk Disk, maxValueSize int, logger *zap.Logger) *Server {
	s := &Server{
		httpAddr:     addr,
		engine:       chi.NewRouter(),
		disk:         disk,
		logger:       logger.Named("http"),
		maxValueSize: int64(maxValueSize),
	}
	s.engine.Use(middleware.RequestID)
	s.engine.Use(middleware.Recoverer)
	s.engine.Use(s.requestLogger)
	s.registerRoutes()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.engine.Route("/v1", func(r chi.Router) {
		r.Get("/keys/{key}", s.getKey)
		r.Put("/keys/{key}", s.putKey)
		r.Delete("/keys/{key}", s.deleteKey)
		r.Post("/batch", s.commitBatch)
		r.Post("/sync", s.sync)
		r.Post("/maintenance/{task}", s.maintenance)
		r.Get("/stats", s.stats)
	})
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("server running", zap.String("addr", s.httpAddr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
