/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package adminapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mtaqueue/mtaqueued/internal/queuename"
)

// Server exposes Core's three directives over HTTP on a bare
// net/http ServeMux.
type Server struct {
	core *Core
	mux  *http.ServeMux
}

// NewServer builds a Server ready to be passed to http.ListenAndServe (or
// mounted as a sub-handler) for core.
func NewServer(core *Core) *Server {
	s := &Server{core: core, mux: http.NewServeMux()}
	s.mux.HandleFunc("/api/admin/suspend/v1", s.handleSuspend)
	s.mux.HandleFunc("/api/admin/bounce/v1", s.handleBounce)
	s.mux.HandleFunc("/api/admin/rebind/v1", s.handleRebind)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type directiveResponse struct {
	DirectiveID string `json:"directive_id"`
	Affected    int    `json:"affected"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

type suspendRequest struct {
	Domain          string `json:"domain"`
	Reason          string `json:"reason"`
	DurationSeconds int    `json:"duration_seconds"`
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req suspendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Domain == "" {
		writeError(w, http.StatusBadRequest, errDomainRequired)
		return
	}

	affected := s.core.Suspend(r.Context(), req.Domain, req.Reason, time.Duration(req.DurationSeconds)*time.Second)
	writeJSON(w, http.StatusOK, directiveResponse{DirectiveID: uuid.NewString(), Affected: affected})
}

type bounceRequest struct {
	Domain          string `json:"domain"`
	Tenant          string `json:"tenant"`
	Campaign        string `json:"campaign"`
	Reason          string `json:"reason"`
	DurationSeconds int    `json:"duration_seconds"`
	Everything      bool   `json:"everything"`
}

func (s *Server) handleBounce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req bounceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	match := queuename.Match{Domain: req.Domain, Tenant: req.Tenant, Campaign: req.Campaign}
	affected, err := s.core.Bounce(r.Context(), match, req.Reason, time.Duration(req.DurationSeconds)*time.Second, req.Everything)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, directiveResponse{DirectiveID: uuid.NewString(), Affected: affected})
}

type rebindRequest struct {
	Domain       string          `json:"domain"`
	Tenant       string          `json:"tenant"`
	Campaign     string          `json:"campaign"`
	Data         json.RawMessage `json:"data"`
	TriggerEvent bool            `json:"trigger_event"`
}

func (s *Server) handleRebind(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req rebindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	match := queuename.Match{Domain: req.Domain, Tenant: req.Tenant, Campaign: req.Campaign}
	affected := s.core.Rebind(r.Context(), match, req.Data, req.TriggerEvent)
	writeJSON(w, http.StatusOK, directiveResponse{DirectiveID: uuid.NewString(), Affected: affected})
}
