package api

import (
	"net/http"

	"github.com/karin0/ip-roam/zone"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Interface string            `json:"interface"`
	Sites     []zone.SiteStatus `json:"sites"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StatusResponse{
		Interface: s.ifname,
		Sites:     s.controller.Status(),
	})
}
