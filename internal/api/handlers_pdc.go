package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/oldpatricka/epu/internal/domain"
	"github.com/oldpatricka/epu/internal/infra/validate"
)

type dispatchProcessRequest struct {
	UPID        string                 `json:"upid" validate:"required"`
	Spec        domain.ProcessSpec     `json:"spec"`
	Subscribers []domain.SubscriberRef `json:"subscribers,omitempty"`
	Constraints domain.Constraints     `json:"constraints,omitempty"`
	Immediate   bool                   `json:"immediate,omitempty"`
}

func (s *Server) handleDispatchProcess(w http.ResponseWriter, r *http.Request) {
	var req dispatchProcessRequest
	if fields, err := validate.DecodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	} else if fields != nil {
		writeFieldErrors(w, fields)
		return
	}

	rec, err := s.core.DispatchProcess(r.Context(), req.UPID, req.Spec, req.Subscribers, req.Constraints, req.Immediate)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleTerminateProcess(w http.ResponseWriter, r *http.Request) {
	upid := chi.URLParam(r, "upid")

	rec, err := s.core.TerminateProcess(r.Context(), upid)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type dtStateRequest struct {
	NodeID     string               `json:"node_id" validate:"required"`
	Dt         string               `json:"dt,omitempty"`
	State      domain.InstanceState `json:"state" validate:"gte=0,lte=6"`
	Properties map[string]any       `json:"properties,omitempty"`
}

func (s *Server) handleDtState(w http.ResponseWriter, r *http.Request) {
	var req dtStateRequest
	if fields, err := validate.DecodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	} else if fields != nil {
		writeFieldErrors(w, fields)
		return
	}

	s.core.DtState(r.Context(), req.NodeID, req.Dt, req.State, req.Properties)
	w.WriteHeader(http.StatusNoContent)
}

type eeHeartbeatRequest struct {
	domain.Heartbeat
	SlotCount        int            `json:"slot_count"`
	SenderProperties map[string]any `json:"sender_properties,omitempty"`
}

func (s *Server) handleEEHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req eeHeartbeatRequest
	if fields, err := validate.DecodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	} else if fields != nil {
		writeFieldErrors(w, fields)
		return
	}

	s.core.EEHeartbeat(r.Context(), req.Heartbeat, req.SlotCount, req.SenderProperties)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Dump(r.Context()))
}
