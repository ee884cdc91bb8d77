// Package server exposes the scheduler over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"

	"github.com/seqsched/seqsched/api"
	"github.com/seqsched/seqsched/envconfig"
	"github.com/seqsched/seqsched/kvcache"
	"github.com/seqsched/seqsched/scheduler"
	"github.com/seqsched/seqsched/version"
)

// Server wraps one scheduler. The scheduler is not concurrency-safe,
// so every handler holds the weight-1 semaphore while touching it.
type Server struct {
	sched     *scheduler.Scheduler
	sem       *semaphore.Weighted
	prefixDir string
	maxSteps  int
}

func NewServer(sched *scheduler.Scheduler) *Server {
	return &Server{
		sched:     sched,
		sem:       semaphore.NewWeighted(1),
		prefixDir: envconfig.PrefixDir,
		maxSteps:  envconfig.MaxStepsPerCall,
	}
}

func (s *Server) acquire(c *gin.Context) bool {
	if err := s.sem.Acquire(c.Request.Context(), 1); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func (s *Server) GenerateHandler(c *gin.Context) {
	var req api.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !s.acquire(c) {
		return
	}
	defer s.sem.Release(1)

	if err := s.sched.AddRequest(c.Request.Context(), &req); err != nil {
		if errors.Is(err, scheduler.ErrInvalidRequest) || errors.Is(err, api.ErrUnsupportedFeature) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "live": s.sched.TotalSeqs()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"live": s.sched.TotalSeqs()})
}

func (s *Server) StepHandler(c *gin.Context) {
	var req api.StepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n := min(max(req.N, 1), s.maxSteps)

	if !s.acquire(c) {
		return
	}
	defer s.sem.Release(1)

	var steps []api.StepTokens
	for tokens, err := range s.sched.IncrementForward(c.Request.Context(), n) {
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		steps = append(steps, tokens)
	}
	c.JSON(http.StatusOK, gin.H{"steps": steps, "live": s.sched.TotalSeqs()})
}

// StreamHandler runs the decode loop and streams each step's tokens as
// one JSON line. The stream ends when no live rows remain or the
// request's step budget runs out.
func (s *Server) StreamHandler(c *gin.Context) {
	var req api.StepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n := min(max(req.N, 1), s.maxSteps)

	if !s.acquire(c) {
		return
	}
	defer s.sem.Release(1)

	ctx, cancel := context.WithCancel(c.Request.Context())
	done := make(chan struct{})
	ch := make(chan api.StepTokens)
	go func() {
		defer close(done)
		defer close(ch)
		for tokens, err := range s.sched.IncrementForward(ctx, n) {
			if err != nil {
				slog.Error("decode step failed", "error", err)
				return
			}
			select {
			case ch <- tokens:
			case <-ctx.Done():
				return
			}
		}
	}()
	// the step loop must have stopped touching the scheduler before the
	// semaphore is released, even when the client went away mid-stream
	defer func() {
		cancel()
		for range ch {
		}
		<-done
	}()

	c.Header("Content-Type", "application/x-ndjson")
	c.Stream(func(w io.Writer) bool {
		tokens, ok := <-ch
		if !ok {
			return false
		}
		if err := json.NewEncoder(w).Encode(tokens); err != nil {
			return false
		}
		return true
	})
}

func (s *Server) ResultsHandler(c *gin.Context) {
	if !s.acquire(c) {
		return
	}
	defer s.sem.Release(1)
	c.JSON(http.StatusOK, api.ResultsResponse{Results: s.sched.Results()})
}

func (s *Server) CollectHandler(c *gin.Context) {
	if !s.acquire(c) {
		return
	}
	defer s.sem.Release(1)
	c.JSON(http.StatusOK, api.ResultsResponse{Results: s.sched.CollectResults()})
}

// WarmHandler precomputes prefill state for a prompt, stores it under a
// slot id, and persists it when a prefix directory is configured.
func (s *Server) WarmHandler(c *gin.Context) {
	var req api.WarmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Prompt) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty prompt"})
		return
	}
	slot := req.SlotID
	if slot == "" {
		slot = kvcache.NewSlotID()
	}

	if !s.acquire(c) {
		return
	}
	defer s.sem.Release(1)

	entry, err := s.sched.WarmPrefix(c.Request.Context(), req.Prompt, slot)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if s.prefixDir != "" {
		if err := kvcache.WriteSlot(s.prefixDir, slot, entry); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, api.WarmResponse{SlotID: slot})
}

// LoadSlotHandler restores a persisted prefix slot into the live store.
func (s *Server) LoadSlotHandler(c *gin.Context) {
	slot := c.Param("slot")
	if s.prefixDir == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no prefix directory configured"})
		return
	}
	entry, err := kvcache.ReadSlot(s.prefixDir, slot)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	if !s.acquire(c) {
		return
	}
	defer s.sem.Release(1)
	s.sched.PrefixStore.Put(slot, entry)
	c.JSON(http.StatusOK, api.WarmResponse{SlotID: slot})
}

func (s *Server) GenerateRoutes() http.Handler {
	config := cors.DefaultConfig()
	config.AllowWildcard = true
	config.AllowOrigins = envconfig.AllowOrigins

	r := gin.Default()
	r.Use(cors.New(config))

	r.POST("/api/generate", s.GenerateHandler)
	r.POST("/api/step", s.StepHandler)
	r.POST("/api/stream", s.StreamHandler)
	r.GET("/api/results", s.ResultsHandler)
	r.POST("/api/collect", s.CollectHandler)
	r.POST("/api/warm", s.WarmHandler)
	r.POST("/api/slots/:slot/load", s.LoadSlotHandler)
	r.GET("/api/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": version.Version})
	})

	return r
}

func Serve(ln net.Listener, sched *scheduler.Scheduler) error {
	s := NewServer(sched)
	slog.Info("listening", "addr", ln.Addr())
	srv := &http.Server{
		Handler: s.GenerateRoutes(),
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}
	return srv.Serve(ln)
}
