package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/chatgate/internal/control"
	"github.com/xela07ax/chatgate/internal/domain"
	"github.com/xela07ax/chatgate/internal/infra/auth"
)

type commandView struct {
	Name             string   `json:"name"`
	Aliases          []string `json:"aliases"`
	Kind             string   `json:"kind"`
	RequiresElevated bool     `json:"requires_elevated"`
	Description      string   `json:"description,omitempty"`
}

type commandsView struct {
	Generation uint64        `json:"generation"`
	Commands   []commandView `json:"commands"`
}

type groupView struct {
	ID           domain.Identity   `json:"id"`
	Subject      string            `json:"subject"`
	Owner        domain.Identity   `json:"owner,omitempty"`
	Participants []domain.Identity `json:"participants"`
	Admins       []domain.Identity `json:"admins"`
	FetchedAt    time.Time         `json:"fetched_at"`
}

type groupSummary struct {
	ID        domain.Identity `json:"id"`
	Subject   string          `json:"subject"`
	Members   int             `json:"members"`
	FetchedAt time.Time       `json:"fetched_at"`
}

type elevatedRequest struct {
	ID string `json:"id"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Status()
	code := http.StatusOK
	if st.State != "open" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"state": st.State})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Status())
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		http.Error(w, "journal is disabled", http.StatusNotImplemented)
		return
	}
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			http.Error(w, "invalid window", http.StatusBadRequest)
			return
		}
		window = d
	}

	stats, err := s.deps.Stats.Stats(r.Context(), window)
	if err != nil {
		s.logger.Error("failed to load dispatch stats", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) listCommands(w http.ResponseWriter, r *http.Request) {
	gen := s.deps.Registry.Current()
	view := commandsView{Generation: gen.ID, Commands: []commandView{}}
	for _, c := range gen.Commands() {
		aliases := c.Aliases
		if aliases == nil {
			aliases = []string{}
		}
		view.Commands = append(view.Commands, commandView{
			Name:             c.Name,
			Aliases:          aliases,
			Kind:             c.Kind,
			RequiresElevated: c.RequiresElevated,
			Description:      c.Description,
		})
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) reloadCommands(w http.ResponseWriter, r *http.Request) {
	if s.deps.Fanout != nil {
		if err := control.PublishReload(r.Context(), s.deps.Fanout); err != nil {
			s.logger.Error("reload fanout failed", zap.Error(err))
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "reload requested"})
		return
	}

	gen, err := s.deps.Reloader.Reload(r.Context())
	if err != nil {
		// Старое поколение продолжает работать
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"generation": gen.ID, "commands": gen.Len()})
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	out := []groupSummary{}
	for _, gid := range s.deps.Groups.Groups() {
		snap, ok := s.deps.Groups.Peek(gid)
		if !ok {
			continue
		}
		out = append(out, groupSummary{
			ID:        snap.GroupID,
			Subject:   snap.Subject,
			Members:   len(snap.Participants()),
			FetchedAt: snap.FetchedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	gid := domain.Identity(chi.URLParam(r, "id"))
	if !gid.IsGroup() {
		http.Error(w, "not a group identity", http.StatusBadRequest)
		return
	}

	snap, err := s.deps.Groups.Snapshot(r.Context(), gid)
	if err != nil {
		if errors.Is(err, domain.ErrMetadataUnavailable) {
			http.Error(w, "metadata unavailable", http.StatusServiceUnavailable)
			return
		}
		s.logger.Error("group snapshot failed", zap.String("group", string(gid)), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	participants := snap.Participants()
	admins := snap.Admins()
	sortIdentities(participants)
	sortIdentities(admins)
	writeJSON(w, http.StatusOK, groupView{
		ID:           snap.GroupID,
		Subject:      snap.Subject,
		Owner:        snap.OwnerID,
		Participants: participants,
		Admins:       admins,
		FetchedAt:    snap.FetchedAt,
	})
}

func (s *Server) invalidateGroup(w http.ResponseWriter, r *http.Request) {
	gid := domain.Identity(chi.URLParam(r, "id"))
	if !gid.IsGroup() {
		http.Error(w, "not a group identity", http.StatusBadRequest)
		return
	}

	if s.deps.Fanout != nil {
		if err := control.PublishInvalidate(r.Context(), s.deps.Fanout, gid); err != nil {
			s.logger.Error("invalidate fanout failed", zap.Error(err))
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.deps.Groups.Invalidate(gid)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listElevated(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Elevated.Identities())
}

func (s *Server) grantElevated(w http.ResponseWriter, r *http.Request) {
	var req elevatedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id := domain.NormalizeIdentity(req.ID)
	if id == "" || id.IsGroup() {
		http.Error(w, "invalid identity", http.StatusBadRequest)
		return
	}

	if err := s.deps.Elevated.Grant(r.Context(), id); err != nil {
		s.logger.Error("grant failed", zap.String("id", string(id)), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.logger.Info("elevated granted", zap.String("id", string(id)), zap.String("by", operator(r)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) revokeElevated(w http.ResponseWriter, r *http.Request) {
	id := domain.NormalizeIdentity(chi.URLParam(r, "id"))
	if id == "" {
		http.Error(w, "invalid identity", http.StatusBadRequest)
		return
	}

	if err := s.deps.Elevated.Revoke(r.Context(), id); err != nil {
		s.logger.Error("revoke failed", zap.String("id", string(id)), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.logger.Info("elevated revoked", zap.String("id", string(id)), zap.String("by", operator(r)))
	w.WriteHeader(http.StatusNoContent)
}

func sortIdentities(ids []domain.Identity) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func operator(r *http.Request) string {
	if c, ok := auth.ClaimsFromContext(r.Context()); ok {
		return c.UserID
	}
	return ""
}
