// Package api is the HTTP surface: gin handlers over the pending-order
// queue (approve/reject/list) and the pyramid manager (session CRUD),
// wrapping internal/pending.Service and internal/pyramid.Manager with
// pkg/response.Handle dispatch behind JWT auth and rate limiting.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/paperexec/internal/auth"
	"github.com/ksred/paperexec/internal/pending"
	"github.com/ksred/paperexec/internal/pyramid"
	"github.com/ksred/paperexec/pkg/middleware"
)

// Server wires the pending-order and pyramid HTTP handlers onto a gin
// engine.
type Server struct {
	pending   *pending.Service
	pyramid   *pyramid.Manager
	auth      *auth.Service
	jwtSecret string
}

func NewServer(pend *pending.Service, pyr *pyramid.Manager, authSvc *auth.Service, jwtSecret string) *Server {
	return &Server{pending: pend, pyramid: pyr, auth: authSvc, jwtSecret: jwtSecret}
}

// Router builds the gin engine: public token issuance, then every
// route behind JWTAuth + RateLimit, since approving or rejecting a
// paper order is a reviewer-privileged action.
func (s *Server) Router() *gin.Engine {
	r := gin.Default()
	r.Use(middleware.RateLimit())

	authHandlers := auth.NewGinHandlers(s.auth)
	r.POST("/api/v1/auth/token", authHandlers.GenerateTokenHandler())

	apiGroup := r.Group("/api")
	apiGroup.Use(middleware.JWTAuth(s.jwtSecret))
	{
		apiGroup.POST("/pending/approve/:id", s.approvePending)
		apiGroup.POST("/pending/reject/:id", s.rejectPending)
		apiGroup.GET("/pending", s.listPending)
	}

	kss := r.Group("/kss")
	kss.Use(middleware.JWTAuth(s.jwtSecret))
	{
		kss.POST("/sessions", s.createSession)
		kss.POST("/sessions/:id/start", s.startSession)
		kss.POST("/sessions/:id/stop", s.stopSession)
		kss.PATCH("/sessions/:id", s.adjustSession)
		kss.POST("/sessions/:id/check-tp", s.checkTP)
		kss.DELETE("/sessions/:id", s.deleteSession)
		kss.GET("/sessions/:id", s.getSession)
		kss.GET("/sessions", s.listSessions)
		kss.GET("/summary", s.summary)
	}

	return r
}
