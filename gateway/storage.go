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

package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresProviderSource loads provider definitions and per-model
// pricing from PostgreSQL. The gateway only needs insert/lookup by
// straightforward predicates, so any driver-compatible tabular store
// works.
type PostgresProviderSource struct {
	db *sql.DB
}

// NewPostgresProviderSource creates a Postgres-backed provider source.
func NewPostgresProviderSource(db *sql.DB) *PostgresProviderSource {
	return &PostgresProviderSource{db: db}
}

// LoadProviders returns all provider rows with their pricing tables.
func (s *PostgresProviderSource) LoadProviders(ctx context.Context) ([]Provider, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, endpoint, priority, enabled,
		       credential_env, secret_arn, pricing
		FROM gateway_providers
		ORDER BY priority DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query providers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var providers []Provider
	for rows.Next() {
		var p Provider
		var credentialEnv, secretARN sql.NullString
		var pricingJSON []byte
		if err := rows.Scan(&p.ID, &p.Name, &p.Type, &p.Endpoint,
			&p.Priority, &p.Enabled, &credentialEnv, &secretARN, &pricingJSON); err != nil {
			return nil, fmt.Errorf("failed to scan provider row: %w", err)
		}
		p.CredentialEnv = credentialEnv.String
		p.SecretARN = secretARN.String
		if len(pricingJSON) > 0 {
			if err := json.Unmarshal(pricingJSON, &p.Pricing); err != nil {
				return nil, fmt.Errorf("invalid pricing JSON for provider %s: %w", p.ID, err)
			}
		}
		if !p.Type.Valid() {
			return nil, fmt.Errorf("provider %s has unsupported type %q", p.ID, p.Type)
		}
		providers = append(providers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("provider row iteration failed: %w", err)
	}
	return providers, nil
}

// SaveProvider upserts one provider row. Administrative operation; the
// hot path never writes here.
func (s *PostgresProviderSource) SaveProvider(ctx context.Context, p *Provider) error {
	pricingJSON, err := json.Marshal(p.Pricing)
	if err != nil {
		return fmt.Errorf("failed to marshal pricing: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gateway_providers (
			id, name, type, endpoint, priority, enabled,
			credential_env, secret_arn, pricing
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			endpoint = EXCLUDED.endpoint,
			priority = EXCLUDED.priority,
			enabled = EXCLUDED.enabled,
			credential_env = EXCLUDED.credential_env,
			secret_arn = EXCLUDED.secret_arn,
			pricing = EXCLUDED.pricing,
			updated_at = NOW()
	`, p.ID, p.Name, p.Type, p.Endpoint, p.Priority, p.Enabled,
		nullable(p.CredentialEnv), nullable(p.SecretARN), pricingJSON)
	if err != nil {
		return fmt.Errorf("failed to save provider: %w", err)
	}
	return nil
}

// DeleteProvider removes one provider row.
func (s *PostgresProviderSource) DeleteProvider(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM gateway_providers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
