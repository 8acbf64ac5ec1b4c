// Package server exposes scrape runs over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scrapegraph/internal/engine"
	"scrapegraph/internal/httpclient"
	"scrapegraph/internal/instruction"
	"scrapegraph/internal/loader"
	"scrapegraph/internal/logger"
	"scrapegraph/internal/scope"
	"scrapegraph/internal/sink"
	"scrapegraph/internal/template"
)

// Options configures a Server.
type Options struct {
	Deserializer *instruction.Deserializer
	Requester    instruction.Requester
	// Sessions, when set, gives every run its own requester so cookies never
	// cross runs. Nil shares Requester.
	Sessions func() (instruction.Requester, error)
	// Policy limits the URLs Load instructions may request. Documents are
	// limited by restricting the Deserializer's loader with the same policy.
	Policy loader.Policy
	// NewStore returns the store for one run. Nil means a fresh memory store
	// per run.
	NewStore func() scope.Store
	// Sink, when set, receives every run's events as well as the response.
	Sink    sink.Sink
	Workers int
	// Metrics serves GET /metrics. Nil means the default Prometheus registry.
	Metrics http.Handler
	Logger  logger.Logger
}

// Server holds the handlers. Construct with New.
type Server struct {
	opts Options
	log  logger.Logger
}

func New(opts Options) *Server {
	if opts.NewStore == nil {
		opts.NewStore = func() scope.Store { return scope.NewMemoryStore() }
	}
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}
	if !opts.Policy.IsZero() {
		opts.Requester = guarded{next: opts.Requester, policy: opts.Policy}
		if next := opts.Sessions; next != nil {
			opts.Sessions = func() (instruction.Requester, error) {
				rq, err := next()
				if err != nil {
					return nil, err
				}
				return guarded{next: rq, policy: opts.Policy}, nil
			}
		}
	}
	return &Server{opts: opts, log: logger.OrNop(opts.Logger)}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(s.opts.Metrics))
	v1 := r.Group("/v1")
	v1.POST("/runs", s.run)
	v1.POST("/validate", s.validate)
	return r
}

// RunRequest is the body of POST /v1/runs and POST /v1/validate. Exactly one
// of Instruction and URI is set.
type RunRequest struct {
	// Instruction is an inline document: an object, or a string naming a
	// document to load.
	Instruction json.RawMessage `json:"instruction"`
	URI         string          `json:"uri"`
	// Base resolves relative references in Instruction.
	Base     string            `json:"base"`
	Defaults map[string]string `json:"defaults"`
}

func (r RunRequest) ref() (instruction.Ref, error) {
	hasInline := len(r.Instruction) > 0 && string(r.Instruction) != "null"
	switch {
	case hasInline && r.URI != "":
		return instruction.Ref{}, errors.New("set either instruction or uri, not both")
	case hasInline:
		return instruction.InlineRef(string(r.Instruction), r.Base), nil
	case r.URI != "":
		return instruction.URIRef(r.URI, r.Base)
	default:
		return instruction.Ref{}, errors.New("instruction or uri is required")
	}
}

// RunResponse reports one run.
type RunResponse struct {
	Scope    scope.ID        `json:"scope"`
	Summary  sink.Summary    `json:"summary"`
	Complete bool            `json:"complete"`
	Bindings []sink.Binding  `json:"bindings"`
	Scopes   []sink.NewScope `json:"scopes"`
	Stuck    []StuckEntry    `json:"stuck,omitempty"`
	Failures []FailureEntry  `json:"failures,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration string          `json:"duration"`
}

type StuckEntry struct {
	Executable  int64    `json:"executable"`
	Instruction string   `json:"instruction"`
	Scope       scope.ID `json:"scope"`
	Missing     []string `json:"missing"`
}

type FailureEntry struct {
	Executable  int64    `json:"executable"`
	Instruction string   `json:"instruction"`
	Scope       scope.ID `json:"scope"`
	Error       string   `json:"error"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) run(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ref, err := req.ref()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	start := time.Now()
	mem := sink.NewMemory()
	var sk sink.Sink = mem
	if s.opts.Sink != nil {
		sk = sink.Multi{mem, s.opts.Sink}
	}
	sched := engine.New(s.opts.NewStore(), s.opts.Deserializer, s.opts.Requester, engine.Options{
		Workers:  s.opts.Workers,
		Sink:     sk,
		Logger:   s.log,
		Sessions: s.opts.Sessions,
	})

	rep, runErr := sched.Start(c.Request.Context(), ref, req.Defaults)
	resp := buildResponse(rep, mem, time.Since(start))
	if runErr != nil {
		_ = c.Error(runErr)
		resp.Error = runErr.Error()
		c.JSON(http.StatusInternalServerError, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func buildResponse(rep *engine.Report, mem *sink.Memory, dur time.Duration) RunResponse {
	resp := RunResponse{
		Bindings: mem.Bindings(),
		Scopes:   mem.Scopes(),
		Duration: dur.String(),
	}
	if rep == nil {
		return resp
	}
	resp.Scope = rep.Scope
	resp.Summary = rep.Summary()
	resp.Complete = rep.Complete()
	for _, ex := range rep.StuckExecutables {
		resp.Stuck = append(resp.Stuck, StuckEntry{
			Executable:  ex.ID,
			Instruction: ex.Ref.String(),
			Scope:       ex.Scope,
			Missing:     ex.Missing(),
		})
	}
	for _, f := range rep.Failures {
		resp.Failures = append(resp.Failures, FailureEntry{
			Executable:  f.Executable.ID,
			Instruction: f.Executable.Ref.String(),
			Scope:       f.Executable.Scope,
			Error:       f.Err.Error(),
		})
	}
	return resp
}

// Node is one reachable instruction reported by validate.
type Node struct {
	Instruction string   `json:"instruction"`
	Depth       int      `json:"depth"`
	Kind        string   `json:"kind,omitempty"`
	Missing     []string `json:"missing,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// ValidateResponse lists what validate could resolve with the defaults.
// Valid is false only for errors; unresolved tags are expected before a run.
type ValidateResponse struct {
	Valid bool   `json:"valid"`
	Nodes []Node `json:"nodes"`
}

func (s *Server) validate(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ref, err := req.ref()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, Validate(c.Request.Context(), s.opts.Deserializer, ref, req.Defaults))
}

// Validate walks every instruction reachable from ref with vars bound.
func Validate(ctx context.Context, d *instruction.Deserializer, ref instruction.Ref, vars map[string]string) ValidateResponse {
	out := ValidateResponse{Valid: true}
	d.Walk(ctx, ref, template.MapLookup(vars), func(r instruction.Ref, depth int, inst *instruction.Instruction, err error) {
		n := Node{Instruction: r.String(), Depth: depth}
		switch {
		case err == nil:
			n.Kind = inst.Kind()
		case template.IsMissing(err):
			n.Missing = template.MissingTags(err)
		default:
			n.Error = err.Error()
			out.Valid = false
		}
		out.Nodes = append(out.Nodes, n)
	})
	return out
}

// guarded refuses requests outside policy before they reach next.
type guarded struct {
	next   instruction.Requester
	policy loader.Policy
}

func (g guarded) Do(ctx context.Context, req httpclient.Request) (*httpclient.Response, error) {
	if err := g.policy.Check(req.URL); err != nil {
		return nil, fmt.Errorf("request %w", err)
	}
	return g.next.Do(ctx, req)
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("path", c.Request.URL.Path),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("duration", time.Since(start)),
			logger.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			msgs := make([]string, len(c.Errors))
			for i, e := range c.Errors {
				msgs[i] = e.Err.Error()
			}
			fields = append(fields, logger.Strings("errors", msgs))
			s.log.Error("http request with errors", fields...)
			return
		}
		if strings.HasPrefix(c.Request.URL.Path, "/health") {
			s.log.Debug("http request", fields...)
			return
		}
		s.log.Info("http request", fields...)
	}
}
