package server

import (
	"net/http"

	"github.com/jonathan/leadflow/internal/delivery"
	"github.com/jonathan/leadflow/internal/outreach"
	"github.com/jonathan/leadflow/internal/types"
)

// CampaignView is a campaign with its aggregate delivery status.
type CampaignView struct {
	*types.Campaign
	Aggregate types.CampaignStatus `json:"aggregate"`
}

func viewOf(c *types.Campaign) CampaignView {
	return CampaignView{Campaign: c, Aggregate: delivery.Aggregate(c)}
}

// handleGetCampaign handles GET /campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	c, err := s.deps.Reader.GetCampaign(r.Context(), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if c == nil {
		s.errorResponse(w, r, &types.NotFoundError{Resource: "campaign", ID: id.String()})
		return
	}
	s.jsonResponse(w, http.StatusOK, viewOf(c))
}

// handleListCampaigns handles GET /runs/{id}/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if _, err := s.deps.Runs.Status(r.Context(), id); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	campaigns, err := s.deps.Reader.ListCampaigns(r.Context(), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	views := make([]CampaignView, 0, len(campaigns))
	for _, c := range campaigns {
		views = append(views, viewOf(c))
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"run_id": id, "campaigns": views, "count": len(views)})
}

// handleSendCampaign handles POST /campaigns/{id}/send. Immediate sends
// answer 200 with the per-channel result; scheduled sends answer 202.
func (s *Server) handleSendCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	var req outreach.SendRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	resp, err := s.deps.Campaigns.SendCampaign(r.Context(), id, req)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	status := http.StatusOK
	if resp.Scheduled {
		status = http.StatusAccepted
	}
	s.jsonResponse(w, status, resp)
}
