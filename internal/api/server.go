// Package api serves the compute kernels over HTTP: GEMM and conv2d
// requests with JSON tensors, plus build and host information.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/quill/internal/cpuinfo"
	"github.com/samcharles93/quill/internal/logger"
	"github.com/samcharles93/quill/internal/ops"
	"github.com/samcharles93/quill/internal/version"
)

const defaultMaxBody = 64 << 20

type Config struct {
	Registry *ops.Registry
	Log      logger.Logger
	// CPU describes the host in /v1/info; zero means cpuinfo.Detect.
	CPU cpuinfo.Info
	// MaxBodyBytes caps request bodies; 0 means 64 MiB.
	MaxBodyBytes int64
}

type Server struct {
	registry *ops.Registry
	env      *ops.Env
	log      logger.Logger
	cpu      cpuinfo.Info
	maxBody  int64
	clock    func() time.Time
}

func NewServer(cfg Config) *Server {
	s := &Server{
		registry: cfg.Registry,
		env:      cfg.Registry.Env(),
		log:      cfg.Log,
		cpu:      cfg.CPU,
		maxBody:  cfg.MaxBodyBytes,
		clock:    time.Now,
	}
	if s.log == nil {
		s.log = s.env.Log
	}
	if s.cpu.Arch == "" {
		s.cpu = cpuinfo.Detect()
	}
	if s.maxBody <= 0 {
		s.maxBody = defaultMaxBody
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.Use(requestID)
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/info", s.handleInfo)
	e.POST("/v1/gemm", s.handleGEMM)
	e.POST("/v1/conv2d", s.handleConv2D)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, HealthResponse{RequestID: getRequestID(c), Status: "ok"})
}

func (s *Server) handleInfo(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, InfoResponse{
		RequestID: getRequestID(c),
		Version:   version.Resolve(),
		Arch:      s.cpu.Arch,
		Features:  s.cpu.Features,
		Lane:      s.env.Lane(),
		Threads:   s.env.Pool.Threads(),
		CacheKB:   s.env.GEMM.CacheBytes >> 10,
		Operators: s.registry.Kinds(),
	})
}

// body limits the request body before decoding.
func (s *Server) body(c *echo.Context) *http.Request {
	r := c.Request()
	r.Body = http.MaxBytesReader(c.Response(), r.Body, s.maxBody)
	return r
}

func (s *Server) since(start time.Time) int64 {
	return s.clock().Sub(start).Microseconds()
}
