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

/*
Package logger provides structured JSON logging for gateway components.

# Overview

The logger outputs single-line JSON to stdout, making logs easily
consumable by CloudWatch, ELK stack, or other log aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (server, gateway, etc.)
  - Container name (for distributed tracing)
  - Credential ID (never the raw API key)
  - Request ID (for request correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("server")

Log messages with credential and request context:

	log.Info("cred-123", "req-456", "Processing chat request", map[string]interface{}{
	    "model":    "gpt-4o-mini",
	    "provider": "openai",
	})

Log errors with status codes:

	log.ErrorWithCode("cred-123", "req-456", "Request failed", 502, err, nil)

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("cred-123", "req-456", "Request completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2025-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"server","container":"gateway-xyz",
	 "credential_id":"cred-123","request_id":"req-456",
	 "message":"Processing chat request","fields":{"model":"gpt-4o-mini"}}

# Environment Variables

The logger reads these environment variables:

  - LOG_LEVEL: Minimum level to emit (default INFO)
  - HOSTNAME: Container hostname (auto-detected)

# Security

Raw API keys must never be passed to the logger. Callers identify the
caller by the stored credential ID or key hash prefix only.
*/
package logger
