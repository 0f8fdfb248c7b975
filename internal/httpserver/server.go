package httpserver

import (
	"context"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinytelemetry/siphon/internal/model"
	"github.com/tinytelemetry/siphon/internal/state"
)

// StateReader exposes the pipeline cursor state.
type StateReader interface {
	Snapshot() state.PipelineState
}

// columnQuerier is implemented by stores that report result column order.
type columnQuerier interface {
	QueryColumns(query string) ([]string, []map[string]interface{}, error)
}

// tableDescriber is implemented by stores that can describe one table.
type tableDescriber interface {
	TableSchema(table string) (model.TableSchema, error)
}

// Server provides an HTTP API over the destination and pipeline state.
type Server struct {
	addr      string
	store     model.ReadAPI
	state     StateReader
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server. st may be nil.
func NewServer(addr string, store model.ReadAPI, st StateReader) *Server {
	if addr == "" {
		addr = "127.0.0.1:3000"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		store:     store,
		state:     st,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Handler builds the gin engine with every route.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/schema", s.handleSchema)
	r.POST("/api/query", s.handleQuery)
	r.GET("/api/loads", s.handleLoads)
	r.GET("/api/state", s.handleState)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.addr = listener.Addr().String()
	s.startTime = time.Now()

	go s.server.Serve(listener)
	return nil
}

// Addr returns the listen address, resolved once Start has run.
func (s *Server) Addr() string { return s.addr }

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Run starts the server and stops it when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

func (s *Server) handleHealth(c *gin.Context) {
	counts, err := s.store.TableRowCounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read table row counts"})
		return
	}
	var rows int64
	for _, n := range counts {
		rows += n
	}

	body := gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
		"tables": len(counts),
		"rows":   rows,
	}
	if s.state != nil {
		body["last_load_id"] = s.state.Snapshot().LastLoadID
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleSchema(c *gin.Context) {
	counts, err := s.store.TableRowCounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read table row counts"})
		return
	}

	tables := make(map[string][]model.Column, len(counts))
	if d, ok := s.store.(tableDescriber); ok {
		for name := range counts {
			ts, err := d.TableSchema(name)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read schema metadata"})
				return
			}
			tables[name] = ts.Columns
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"description": s.store.GetSchemaDescription(),
		"tables":      tables,
		"row_counts":  counts,
	})
}

func (s *Server) handleQuery(c *gin.Context) {
	var req struct {
		SQL string `json:"sql" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing sql field"})
		return
	}

	var (
		columns []string
		results []map[string]interface{}
		err     error
	)
	if q, ok := s.store.(columnQuerier); ok {
		columns, results, err = q.QueryColumns(req.SQL)
	} else {
		results, err = s.store.ExecuteQuery(req.SQL)
		if err == nil && len(results) > 0 {
			for col := range results[0] {
				columns = append(columns, col)
			}
			slices.Sort(columns)
		}
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"columns":   columns,
		"rows":      results,
		"row_count": len(results),
	})
}

func (s *Server) handleLoads(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	loads, err := s.store.LoadHistory(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read load history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"loads": loads, "count": len(loads)})
}

func (s *Server) handleState(c *gin.Context) {
	if s.state == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no pipeline state attached"})
		return
	}
	c.JSON(http.StatusOK, s.state.Snapshot())
}
