// Copyright 2025 AxonFlow
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

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"axonflow/llm-gateway/gateway"
	"axonflow/llm-gateway/gateway/cache"
)

// chatAPIRequest is the HTTP request body for the chat endpoint.
type chatAPIRequest struct {
	Model       string            `json:"model,omitempty"`
	Messages    []gateway.Message `json:"messages"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`

	// Routing options
	TaskClass    string `json:"task_class,omitempty"`
	CostOptimize bool   `json:"cost_optimize,omitempty"`
	UseCache     *bool  `json:"use_cache,omitempty"`
	Provider     string `json:"provider,omitempty"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	var body chatAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, gateway.NewError(gateway.CodeInvalidRequest, "invalid JSON body"))
		return
	}

	req := &gateway.ChatRequest{
		Model:     body.Model,
		Messages:  body.Messages,
		MaxTokens: body.MaxTokens,
	}
	if body.Temperature != nil {
		// An explicit 0 is preserved: callers use it for deterministic
		// output and it must not collapse into the default.
		req.Temperature = *body.Temperature
	} else {
		req.Temperature = gateway.TemperatureUnset
	}

	useCache := s.cfg.Cache.Enabled
	if body.UseCache != nil {
		useCache = *body.UseCache
	}

	result, err := s.gw.Chat(r.Context(), req, gateway.ChatOptions{
		Credential:        bearerCredential(r),
		TaskClass:         gateway.TaskClass(body.TaskClass),
		CostOptimize:      body.CostOptimize,
		UseCache:          useCache && s.cache != nil,
		PreferredProvider: body.Provider,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) listProvidersHandler(w http.ResponseWriter, r *http.Request) {
	providers := s.gw.Registry().ListAvailable()

	type providerView struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Type     string `json:"type"`
		Priority int    `json:"priority"`
	}
	views := make([]providerView, 0, len(providers))
	for _, p := range providers {
		views = append(views, providerView{
			ID:       p.ID,
			Name:     p.Name,
			Type:     string(p.Type),
			Priority: p.Priority,
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": views,
		"count":     len(views),
	})
}

func (s *Server) providersHealthHandler(w http.ResponseWriter, r *http.Request) {
	probes := s.gw.TestAllProviders(r.Context())

	healthy := 0
	for _, p := range probes {
		if p.Healthy {
			healthy++
		}
	}

	status := http.StatusOK
	if healthy == 0 && len(probes) > 0 {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]interface{}{
		"providers": probes,
		"healthy":   healthy,
		"total":     len(probes),
	})
}

func (s *Server) cacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeJSON(w, http.StatusOK, cache.Stats{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.cache.Stats(r.Context()))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "llm-gateway",
		"providers": len(s.gw.Registry().ListAvailable()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("", "", "Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// writeError maps a gateway error to its HTTP status and a structured
// body. Unclassified errors become 500s without leaking internals.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := requestIDFrom(r.Context())

	var gwErr *gateway.Error
	if !errors.As(err, &gwErr) {
		gwErr = gateway.AsError(err)
	}

	var body errorBody
	body.Error.Code = string(gwErr.Code)
	body.Error.Message = gwErr.Message
	body.RequestID = requestID

	s.log.ErrorWithCode("", requestID, "Request failed", gwErr.HTTPStatus, nil, map[string]interface{}{
		"code": string(gwErr.Code),
	})

	s.writeJSON(w, gwErr.HTTPStatus, body)
}
