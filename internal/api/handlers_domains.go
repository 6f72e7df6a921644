package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/oldpatricka/epu/internal/domain"
	"github.com/oldpatricka/epu/internal/infra/validate"
)

type addDomainRequest struct {
	DomainID   string                `json:"domain_id" validate:"required"`
	General    domain.Config         `json:"general,omitempty"`
	Engine     domain.Config         `json:"engine,omitempty"`
	Health     domain.Config         `json:"health,omitempty"`
	Subscriber *domain.SubscriberRef `json:"subscriber,omitempty"`
}

func (s *Server) handleAddDomain(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")

	var req addDomainRequest
	if fields, err := validate.DecodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	} else if fields != nil {
		writeFieldErrors(w, fields)
		return
	}

	if err := s.reactor.AddDomain(r.Context(), owner, req.DomainID, req.General, req.Engine, req.Health, req.Subscriber); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"owner": owner, "domain_id": req.DomainID})
}

func (s *Server) handleListDomains(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	domains, err := s.reactor.ListDomains(r.Context(), owner)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, domains)
}

func (s *Server) handleDescribeDomain(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	domainID := chi.URLParam(r, "domainID")

	desc, err := s.reactor.DescribeDomain(r.Context(), owner, domainID)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

// handleDomainConfig serves a domain's configuration sections through the
// read-through Redis cache when one is configured, so a dashboard polling
// configuration doesn't hit the store on every request. Falls back to an
// uncached reactor describe when no cache is wired.
func (s *Server) handleDomainConfig(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	domainID := chi.URLParam(r, "domainID")

	if s.domainCache != nil {
		dom, err := s.domainCache.GetDomain(r.Context(), owner, domainID)
		if err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, dom)
		return
	}

	desc, err := s.reactor.DescribeDomain(r.Context(), owner, domainID)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    desc.Name,
		"general": desc.General,
		"engine":  desc.Engine,
		"health":  desc.Health,
	})
}

func (s *Server) handleRemoveDomain(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	domainID := chi.URLParam(r, "domainID")

	if err := s.reactor.RemoveDomain(r.Context(), owner, domainID); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	s.invalidateDomainCache(r, owner, domainID)
	w.WriteHeader(http.StatusNoContent)
}

type reconfigureDomainRequest struct {
	General domain.Config `json:"general,omitempty"`
	Engine  domain.Config `json:"engine,omitempty"`
	Health  domain.Config `json:"health,omitempty"`
}

func (s *Server) handleReconfigureDomain(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	domainID := chi.URLParam(r, "domainID")

	var req reconfigureDomainRequest
	if fields, err := validate.DecodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	} else if fields != nil {
		writeFieldErrors(w, fields)
		return
	}

	if err := s.reactor.ReconfigureDomain(r.Context(), owner, domainID, req.General, req.Engine, req.Health); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if req.Engine != nil {
		// The running engine instance, if any, picks up the delta without
		// waiting for the next decide tick to re-read the store.
		if err := s.decider.Reconfigure(r.Context(), owner, domainID, req.Engine); err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
	}
	s.invalidateDomainCache(r, owner, domainID)
	w.WriteHeader(http.StatusNoContent)
}

type subscriberRequest struct {
	Name string `json:"name" validate:"required"`
	Op   string `json:"op" validate:"required"`
}

func (s *Server) handleAddSubscriber(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	domainID := chi.URLParam(r, "domainID")

	var req subscriberRequest
	if fields, err := validate.DecodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	} else if fields != nil {
		writeFieldErrors(w, fields)
		return
	}

	if err := s.reactor.SubscribeDomain(r.Context(), owner, domainID, req.Name, req.Op); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	s.invalidateDomainCache(r, owner, domainID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveSubscriber(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	domainID := chi.URLParam(r, "domainID")
	name := chi.URLParam(r, "name")

	if err := s.reactor.UnsubscribeDomain(r.Context(), owner, domainID, name); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	s.invalidateDomainCache(r, owner, domainID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) invalidateDomainCache(r *http.Request, owner, domainID string) {
	if s.domainCache == nil {
		return
	}
	if err := s.domainCache.Invalidate(r.Context(), owner, domainID); err != nil {
		// Best-effort: a stale cache entry self-heals at its TTL.
		_ = err
	}
}
