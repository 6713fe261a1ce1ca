package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/swbus/internal/bus"
	"github.com/danmuck/swbus/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const pingTimeout = 3 * time.Second

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"uptime":   time.Since(s.appeared).String(),
			"identity": s.node.Identity().String(),
			"instance": s.node.InstanceID(),
		})
	})

	gatherers := prometheus.Gatherers{s.node.Metrics().Registry, prometheus.DefaultGatherer}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})))

	r.GET("/snapshot", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.node.Snapshot())
	})
	r.GET("/routes", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"routes": s.node.Routes().Snapshot()})
	})
	r.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": s.node.Sessions()})
	})
	r.GET("/pending", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pending": s.node.Pending()})
	})
	r.GET("/endpoints", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"endpoints": s.node.Endpoints()})
	})
	r.GET("/neighbors", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"neighbors": s.node.Neighbors()})
	})
	r.GET("/ping/:address", s.handlePing)
}

// handlePing sends a management ping over the bus to the node owning
// :address and reports the round trip.
func (s *Server) handlePing(c *gin.Context) {
	dst, err := protocol.ParseAddress(strings.TrimSpace(c.Param("address")))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ep, err := s.diagEndpoint()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	start := time.Now()
	resp, err := ep.Request(c.Request.Context(), dst, []byte(bus.CmdPing), pingTimeout)
	if err != nil {
		c.JSON(pingStatus(err), gin.H{"error": err.Error(), "status": protocol.StatusFor(err).String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"from":    resp.Source.String(),
		"reply":   string(resp.Payload),
		"rtt":     time.Since(start).String(),
		"trace":   resp.TraceID,
		"address": dst.String(),
	})
}

func (s *Server) diagEndpoint() (*bus.Endpoint, error) {
	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	if s.diag != nil {
		return s.diag, nil
	}
	addr, err := s.node.Identity().Child("diag")
	if err != nil {
		return nil, err
	}
	ep, err := s.node.Register(addr)
	if err != nil {
		return nil, err
	}
	s.diag = ep
	return ep, nil
}

func pingStatus(err error) int {
	switch {
	case errors.Is(err, protocol.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, protocol.ErrUnreachable), errors.Is(err, protocol.ErrSessionLost):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
