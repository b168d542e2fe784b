package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/baas-console/internal/audit"
)

// resourceInfo describes a configured collection on the admin panel.
type resourceInfo struct {
	Name        string `json:"name"`
	ReadRole    string `json:"read_role"`
	WriteRole   string `json:"write_role"`
	OwnerColumn string `json:"owner_column,omitempty"`
	Realtime    bool   `json:"realtime"`
}

// handleAdminPanel shows who is signed in and how the console is wired.
func (s *Server) handleAdminPanel(w http.ResponseWriter, _ *http.Request) {
	st := s.provider.State()

	resources := make([]resourceInfo, 0, len(s.resources))
	for _, rr := range s.resources {
		resources = append(resources, resourceInfo{
			Name:        rr.cfg.Name,
			ReadRole:    rr.read.String(),
			WriteRole:   rr.write.String(),
			OwnerColumn: rr.cfg.OwnerColumn,
			Realtime:    rr.cfg.Realtime,
		})
	}

	realtimeChannels := 0
	if s.changes != nil {
		realtimeChannels = s.changes.Channels()
	}

	var user profileResponse
	if st.Session != nil {
		user = profileView(st.Session.User)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":      user,
		"resources": resources,
		"storage": map[string]any{
			"bucket":     s.storeCfg.Bucket,
			"read_role":  s.fileRead.String(),
			"write_role": s.fileWrite.String(),
		},
		"admin_role":        s.adminRole.String(),
		"member_role":       s.memberRole.String(),
		"websocket_clients": s.hub.ClientCount(),
		"realtime_channels": realtimeChannels,
	})
}

// handleListAudit lists identity transitions, newest first.
//
// Query parameters: action, user_id, limit (max 200), offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		Action: q.Get("action"),
		UserID: q.Get("user_id"),
	}
	for key, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, key+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit entries failed", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
