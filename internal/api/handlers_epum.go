package api

import (
	"net/http"
	"time"

	"github.com/oldpatricka/epu/internal/domain"
	"github.com/oldpatricka/epu/internal/epum"
	"github.com/oldpatricka/epu/internal/infra/validate"
)

type instanceStateRequest struct {
	InstanceID string               `json:"instance_id" validate:"required"`
	State      domain.InstanceState `json:"state" validate:"gte=0,lte=6"`
	Site       string               `json:"site,omitempty"`
	Allocation string               `json:"allocation,omitempty"`
	ExtraVars  map[string]any       `json:"extra_vars,omitempty"`
}

func (s *Server) handleInstanceState(w http.ResponseWriter, r *http.Request) {
	var req instanceStateRequest
	if fields, err := validate.DecodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	} else if fields != nil {
		writeFieldErrors(w, fields)
		return
	}

	msg := epum.InstanceStateMessage{
		InstanceID: req.InstanceID,
		State:      req.State,
		Site:       req.Site,
		Allocation: req.Allocation,
		ExtraVars:  req.ExtraVars,
	}
	if err := s.reactor.NewInstanceState(r.Context(), msg); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInstanceHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req domain.InstanceHeartbeat
	if fields, err := validate.DecodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	} else if fields != nil {
		writeFieldErrors(w, fields)
		return
	}

	msg := epum.HeartbeatMessage{
		InstanceID:      req.InstanceID,
		State:           req.State,
		ErrorMessage:    req.ErrorMessage,
		FailedProcesses: req.FailedProcesses,
	}
	if req.Timestamp > 0 {
		msg.Timestamp = time.Unix(req.Timestamp, 0).UTC()
	}
	if err := s.reactor.NewHeartbeat(r.Context(), msg); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
