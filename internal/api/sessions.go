package api

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/paperexec/internal/money"
	"github.com/ksred/paperexec/internal/pyramid"
	"github.com/ksred/paperexec/pkg/response"
)

type createSessionRequest struct {
	Symbol        string  `json:"symbol" binding:"required"`
	EntryPrice    string  `json:"entry_price" binding:"required"`
	DistancePct   float64 `json:"distance_pct"`
	MaxWaves      int     `json:"max_waves" binding:"required"`
	IsolatedFund  string  `json:"isolated_fund" binding:"required"`
	TPPct         float64 `json:"tp_pct"`
	TimeoutMin    float64 `json:"timeout_min"`
	GapMin        float64 `json:"gap_min"`
	PipMultiplier float64 `json:"pip_multiplier"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	entryPrice, err := money.NewFromString(req.EntryPrice)
	if err != nil {
		response.BadRequest(c, "invalid entry_price")
		return
	}
	isolatedFund, err := money.NewFromString(req.IsolatedFund)
	if err != nil {
		response.BadRequest(c, "invalid isolated_fund")
		return
	}

	sess, err := s.pyramid.Create(c.Request.Context(), pyramid.CreateParams{
		Symbol:        req.Symbol,
		EntryPrice:    entryPrice,
		DistancePct:   req.DistancePct,
		MaxWaves:      req.MaxWaves,
		IsolatedFund:  isolatedFund,
		TPPct:         req.TPPct,
		TimeoutMin:    req.TimeoutMin,
		GapMin:        req.GapMin,
		PipMultiplier: req.PipMultiplier,
	})
	response.Handle(c, sess, err)
}

func sessionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid id")
		return 0, false
	}
	return id, true
}

func (s *Server) startSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	sess, err := s.pyramid.Start(c.Request.Context(), id)
	response.Handle(c, sess, err)
}

type stopSessionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) stopSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var req stopSessionRequest
	_ = c.ShouldBindJSON(&req)
	sess, err := s.pyramid.Stop(id, req.Reason)
	response.Handle(c, sess, err)
}

func (s *Server) deleteSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	// Sessions are never hard-deleted (facts stay in the pyramid store
	// for audit); DELETE force-stops the session the way an operator
	// pulling a session from the dashboard would expect.
	sess, err := s.pyramid.Stop(id, "deleted_by_operator")
	response.Handle(c, sess, err)
}

type adjustSessionRequest struct {
	DistancePct  *float64 `json:"distance_pct"`
	TPPct        *float64 `json:"tp_pct"`
	TimeoutMin   *float64 `json:"timeout_min"`
	GapMin       *float64 `json:"gap_min"`
	MaxWaves     *int     `json:"max_waves"`
	IsolatedFund *string  `json:"isolated_fund"`
}

func (s *Server) adjustSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var req adjustSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	params := pyramid.AdjustParams{
		DistancePct: req.DistancePct,
		TPPct:       req.TPPct,
		TimeoutMin:  req.TimeoutMin,
		GapMin:      req.GapMin,
		MaxWaves:    req.MaxWaves,
	}
	if req.IsolatedFund != nil {
		fund, err := money.NewFromString(*req.IsolatedFund)
		if err != nil {
			response.BadRequest(c, "invalid isolated_fund")
			return
		}
		params.IsolatedFund = &fund
	}

	sess, err := s.pyramid.Adjust(id, params)
	response.Handle(c, sess, err)
}

type checkTPRequest struct {
	CurrentPrice string `json:"current_price" binding:"required"`
}

func (s *Server) checkTP(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var req checkTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	price, err := money.NewFromString(req.CurrentPrice)
	if err != nil {
		response.BadRequest(c, "invalid current_price")
		return
	}
	sess, err := s.pyramid.CheckTP(c.Request.Context(), id, price)
	response.Handle(c, sess, err)
}

func (s *Server) getSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	sess, err := s.pyramid.GetSession(id)
	response.Handle(c, sess, err)
}

func (s *Server) listSessions(c *gin.Context) {
	rows, err := s.pyramid.ListSessions(pyramid.Status(c.Query("status")), c.Query("symbol"))
	response.Handle(c, rows, err)
}

func (s *Server) summary(c *gin.Context) {
	sum, err := s.pyramid.Summary()
	response.Handle(c, sum, err)
}
