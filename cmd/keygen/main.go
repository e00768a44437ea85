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

// Package main implements the keygen tool for issuing gateway API
// credentials. The raw key is printed exactly once; only its SHA-256
// hash is stored.
//
// Usage:
//
//	./keygen -owner team-search [-limit 120] [-window 60] [-expires 2027-01-01]
//
// Environment Variables:
//
//	DATABASE_URL - PostgreSQL connection string (required)
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"axonflow/llm-gateway/gateway/ratelimit"
)

func main() {
	owner := flag.String("owner", "", "credential owner (required)")
	limit := flag.Int("limit", ratelimit.DefaultRequestLimit, "requests allowed per window")
	window := flag.Int("window", ratelimit.DefaultWindowSeconds, "window length in seconds")
	expires := flag.String("expires", "", "expiry date YYYY-MM-DD (optional)")
	flag.Parse()

	if *owner == "" {
		fmt.Fprintln(os.Stderr, "Error: -owner is required")
		flag.Usage()
		os.Exit(1)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "Error: DATABASE_URL is not set")
		os.Exit(1)
	}

	opts := ratelimit.GenerateOptions{
		RequestLimit:  *limit,
		WindowSeconds: *window,
	}
	if *expires != "" {
		t, err := time.Parse("2006-01-02", *expires)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid -expires date: %v\n", err)
			os.Exit(1)
		}
		opts.ExpiresAt = &t
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := ratelimit.NewCredentialStore(db)
	cred, err := store.GenerateCredential(ctx, *owner, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to generate credential: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Credential ID: %s\n", cred.ID)
	fmt.Printf("Key prefix:    %s\n", cred.KeyPrefix)
	fmt.Printf("Rate limit:    %d requests / %ds\n", cred.RequestLimit, cred.WindowSeconds)
	if cred.ExpiresAt != nil {
		fmt.Printf("Expires:       %s\n", cred.ExpiresAt.Format("2006-01-02"))
	}
	fmt.Println()
	fmt.Println("API key (shown once, store it now):")
	fmt.Println(cred.RawKey)
}
