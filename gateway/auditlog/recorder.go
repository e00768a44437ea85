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

// Package auditlog persists one immutable row per gateway outcome. The
// rows are the system's sole durable audit trail of gateway behavior;
// writing one must never be skipped, including on the error path.
// Recording is fail-soft: a database outage is logged, never surfaced.
package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"time"
)

// Status classifies a gateway outcome.
type Status string

const (
	StatusCached   Status = "cached"
	StatusSuccess  Status = "success"
	StatusFallback Status = "fallback"
	StatusError    Status = "error"
)

// Record is one gateway request outcome.
type Record struct {
	RequestID        string
	CredentialID     string // empty for anonymous
	Provider         string // empty for cached and error outcomes
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          float64
	DurationMs       int64
	Status           Status
	ErrorMessage     string
	FallbackChain    []string
}

// Recorder writes audit rows to PostgreSQL.
type Recorder struct {
	db     *sql.DB
	logger *log.Logger
}

// NewRecorder creates a recorder over the given database handle.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{
		db:     db,
		logger: log.New(os.Stdout, "[GW_AUDIT] ", log.LstdFlags),
	}
}

// Write inserts one outcome row. Errors are logged and swallowed so a
// degraded database never blocks or fails a response.
func (r *Recorder) Write(ctx context.Context, rec Record) {
	if r.db == nil {
		return
	}

	chainJSON, err := json.Marshal(rec.FallbackChain)
	if err != nil {
		chainJSON = []byte("[]")
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO gateway_requests (
			request_id, credential_id, provider, model,
			prompt_tokens, completion_tokens, total_tokens,
			cost_usd, duration_ms, status, error_message, fallback_chain, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, rec.RequestID, nullString(rec.CredentialID), nullString(rec.Provider), rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
		rec.CostUSD, rec.DurationMs, string(rec.Status),
		nullString(rec.ErrorMessage), chainJSON, time.Now().UTC())
	if err != nil {
		r.logger.Printf("Warning: failed to record gateway outcome %s: %v", rec.RequestID, err)
	}
}

// Summary aggregates audit rows for one credential.
type Summary struct {
	Requests    int64   `json:"requests"`
	TotalTokens int64   `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost_usd"`
}

// Summarize aggregates usage for a credential since the given time.
func (r *Recorder) Summarize(ctx context.Context, credentialID string, since time.Time) (*Summary, error) {
	var s Summary
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM gateway_requests
		WHERE credential_id = $1 AND created_at >= $2
	`, credentialID, since).Scan(&s.Requests, &s.TotalTokens, &s.TotalCost)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
