package api

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/paperexec/internal/auth"
	"github.com/ksred/paperexec/internal/sot"
	"github.com/ksred/paperexec/pkg/response"
)

type approveRequest struct {
	Note string `json:"note"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func reviewerFrom(c *gin.Context) string {
	if claims, ok := c.Get("claims"); ok {
		if id := auth.GetClientID(claims); id != "" {
			return id
		}
	}
	return "unknown"
}

// approvePending implements POST /api/pending/approve/{id}.
func (s *Server) approvePending(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid id")
		return
	}
	var req approveRequest
	_ = c.ShouldBindJSON(&req)

	order, err := s.pending.Approve(id, reviewerFrom(c), req.Note)
	response.Handle(c, order, err)
}

// rejectPending implements POST /api/pending/reject/{id}.
func (s *Server) rejectPending(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid id")
		return
	}
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Reason == "" {
		response.BadRequest(c, "reason is required")
		return
	}

	po, err := s.pending.Reject(id, reviewerFrom(c), req.Reason)
	response.Handle(c, po, err)
}

// listPending implements GET /api/pending?status=&symbol=&source=.
func (s *Server) listPending(c *gin.Context) {
	f := sot.PendingFilters{
		StatusFilter: sot.PendingStatus(c.Query("status")),
		Symbol:       c.Query("symbol"),
		Source:       sot.Source(c.Query("source")),
	}
	rows, err := s.pending.List(f)
	response.Handle(c, rows, err)
}
