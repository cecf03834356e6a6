// Copyright 2025 AgentGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpapi exposes the gateway and workflow engine over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"agentgate/platform/gateway"
	"agentgate/platform/shared/logger"
	"agentgate/platform/workflow"
)

// Server routes HTTP requests to the gateway and the workflow engine.
type Server struct {
	gw     *gateway.Gateway
	engine *workflow.Engine
	log    *logger.Logger
	router *mux.Router
}

// NewServer wires the routes.
func NewServer(gw *gateway.Gateway, engine *workflow.Engine) *Server {
	s := &Server{
		gw:     gw,
		engine: engine,
		log:    logger.New("http-api"),
		router: mux.NewRouter(),
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/llm", s.handleLLM).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/workflows/{name}", s.handleWorkflow).Methods(http.MethodPost)

	return s
}

// Handler returns the HTTP handler with CORS applied.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"routes":    s.gw.Routes(),
		"workflows": s.engine.Workflows(),
	})
}

func (s *Server) handleLLM(w http.ResponseWriter, r *http.Request) {
	var req gateway.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Route == "" {
		writeError(w, http.StatusBadRequest, "route is required")
		return
	}

	resp, err := s.gw.Run(r.Context(), req)
	if err != nil {
		var denial *gateway.DenialError
		if errors.As(err, &denial) {
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error":  "denied",
				"reason": denial.Reason,
				"detail": denial.Detail,
			})
			return
		}
		var exhausted *gateway.PlanExhaustedError
		if errors.As(err, &exhausted) {
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":    "plan_exhausted",
				"route":    exhausted.Route,
				"attempts": exhausted.Attempts,
			})
			return
		}
		s.log.Error("", req.RunID, "llm call failed", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var wc workflow.Context
	if err := json.NewDecoder(r.Body).Decode(&wc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if wc.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	result, err := s.engine.Execute(r.Context(), name, wc)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
