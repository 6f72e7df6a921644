package api

import (
	"net/http"

	"github.com/oldpatricka/epu/internal/domain"
	"github.com/oldpatricka/epu/internal/infra/validate"
)

// registerNeedRequest mirrors httpclients.registerNeedRequest field for
// field: this is the wire contract PDC's EPUMClient.RegisterNeed posts
// against on this daemon's own /needs/register route.
type registerNeedRequest struct {
	DeployableType string             `json:"deployable_type" validate:"required"`
	Constraints    domain.Constraints `json:"constraints,omitempty"`
	BaseNeed       int                `json:"base_need"`
	OwnerName      string             `json:"owner_name" validate:"required"`
	SubscriberOp   string             `json:"subscriber_op" validate:"required"`
}

func (s *Server) handleRegisterNeed(w http.ResponseWriter, r *http.Request) {
	var req registerNeedRequest
	if fields, err := validate.DecodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	} else if fields != nil {
		writeFieldErrors(w, fields)
		return
	}

	if err := s.needs.RegisterNeed(r.Context(), req.DeployableType, req.Constraints, req.BaseNeed, req.OwnerName, req.SubscriberOp); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type retireNodeRequest struct {
	InstanceID string `json:"instance_id" validate:"required"`
}

func (s *Server) handleRetireNode(w http.ResponseWriter, r *http.Request) {
	var req retireNodeRequest
	if fields, err := validate.DecodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	} else if fields != nil {
		writeFieldErrors(w, fields)
		return
	}

	if err := s.needs.RetireNode(r.Context(), req.InstanceID); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
