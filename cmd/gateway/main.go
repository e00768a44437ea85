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

// Package main is the entry point for the LLM Gateway service.
//
// The gateway is a unified front for multiple LLM providers that:
// - Normalizes requests and responses across OpenAI, Anthropic and Google
// - Falls over between providers in priority order on upstream failures
// - Caches identical requests and enforces per-credential rate limits
// - Prices every response and records an audit trail
//
// Usage:
//
//	./gateway [-config gateway.yaml]
//
// Environment Variables:
//
//	GATEWAY_PORT - HTTP server port (default: 8090)
//	DATABASE_URL - PostgreSQL connection string (optional)
//	GATEWAY_REDIS_ADDR - Redis address (optional)
//	OPENAI_API_KEY - OpenAI API key (optional)
//	ANTHROPIC_API_KEY - Anthropic API key (optional)
//	GEMINI_API_KEY - Google Gemini API key (optional)
package main

import (
	"flag"

	"axonflow/llm-gateway/server"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	server.Run(*configPath)
}
