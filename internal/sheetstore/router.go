package sheetstore

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/partsync/internal/logx"
)

const maxPayloadBytes = 64 << 10

// Server exposes a Store with the hosted sheet script's contract:
// GET /?sheet=NAME returns the rows, POST / applies one write and always
// answers 200 so callers cannot rely on the response.
type Server struct {
	router    *gin.Engine
	store     *Store
	validator *PayloadValidator
	logger    *zerolog.Logger
}

func NewServer(store *Store, logger *zerolog.Logger) (*Server, error) {
	validator, err := NewPayloadValidator()
	if err != nil {
		return nil, err
	}
	s := &Server{
		router:    gin.New(),
		store:     store,
		validator: validator,
		logger:    logx.Or(logger),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleRead)
	s.router.POST("/", s.handleWrite)
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) handleRead(c *gin.Context) {
	sheet := c.Query("sheet")
	if sheet == "" {
		sheet = s.store.Names().Inventory
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, s.store.Read(sheet))
}

func (s *Server) handleWrite(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		s.reject(c, err)
		return
	}
	payload, err := s.validator.Decode(body)
	if err != nil {
		s.reject(c, err)
		return
	}
	if err := s.store.Apply(payload); err != nil {
		s.reject(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "action": payload.Action, "id": payload.ID})
}

func (s *Server) reject(c *gin.Context, err error) {
	s.logger.Warn().Err(err).Str("correlation_id", c.GetHeader("X-Correlation-Id")).Msg("sheet write rejected")
	c.JSON(http.StatusOK, gin.H{"status": "error", "message": err.Error()})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("sheet", c.Query("sheet")).
			Int("status", c.Writer.Status()).
			Msg("sheet request")
	}
}
