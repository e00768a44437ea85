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
	"context"

	"axonflow/llm-gateway/gateway"
	"axonflow/llm-gateway/gateway/auditlog"
	"axonflow/llm-gateway/gateway/ratelimit"
)

// credentialAdapter narrows the credential store to the shape the
// gateway consumes.
type credentialAdapter struct {
	store *ratelimit.CredentialStore
}

func (a credentialAdapter) Verify(ctx context.Context, raw string) (gateway.CredentialIdentity, error) {
	info, err := a.store.VerifyCredential(ctx, raw)
	if err != nil {
		return gateway.CredentialIdentity{}, err
	}
	return gateway.CredentialIdentity{
		ID:            info.ID,
		KeyHash:       info.KeyHash,
		RequestLimit:  info.RequestLimit,
		WindowSeconds: info.WindowSeconds,
	}, nil
}

// limiterAdapter drops the quota detail the HTTP layer does not need;
// rejections already carry limit and reset in the error details.
type limiterAdapter struct {
	limiter *ratelimit.Limiter
}

func (a limiterAdapter) CheckLimit(ctx context.Context, credentialHash string, limit, windowSeconds int) error {
	_, err := a.limiter.CheckLimit(ctx, credentialHash, limit, windowSeconds)
	return err
}

// auditAdapter maps gateway outcomes to audit rows.
type auditAdapter struct {
	recorder *auditlog.Recorder
}

func (a auditAdapter) Write(ctx context.Context, rec gateway.AuditRecord) {
	a.recorder.Write(ctx, auditlog.Record{
		RequestID:        rec.RequestID,
		CredentialID:     rec.CredentialID,
		Provider:         rec.Provider,
		Model:            rec.Model,
		PromptTokens:     rec.Usage.PromptTokens,
		CompletionTokens: rec.Usage.CompletionTokens,
		TotalTokens:      rec.Usage.TotalTokens,
		CostUSD:          rec.CostUSD,
		DurationMs:       rec.DurationMs,
		Status:           auditlog.Status(rec.Status),
		ErrorMessage:     rec.ErrorMessage,
		FallbackChain:    rec.FallbackChain,
	})
}
