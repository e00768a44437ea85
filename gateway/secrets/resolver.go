// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package secrets resolves provider API keys from AWS Secrets Manager,
// falling back to environment variables for providers that only name an
// env var. Resolved values are cached with a short TTL to keep the hot
// path off the Secrets Manager API.
package secrets

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"axonflow/llm-gateway/gateway"
)

// SecretsAPI is the subset of the Secrets Manager client we use.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// Resolver implements gateway.CredentialResolver. Providers with a
// SecretARN resolve through Secrets Manager; all others fall back to
// their environment variable.
type Resolver struct {
	client    SecretsAPI
	cache     map[string]cacheEntry
	mu        sync.RWMutex
	ttl       time.Duration
	lookupEnv func(string) (string, bool)
	logger    *log.Logger
}

// Options configures the resolver.
type Options struct {
	Region   string
	CacheTTL time.Duration
	Logger   *log.Logger

	// Client overrides the AWS client, for tests.
	Client SecretsAPI
}

// New creates a Secrets Manager backed credential resolver.
func New(ctx context.Context, opts Options) (*Resolver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[GW_SECRETS] ", log.LstdFlags)
	}

	client := opts.Client
	if client == nil {
		cfgOpts := []func(*awsconfig.LoadOptions) error{}
		if opts.Region != "" {
			cfgOpts = append(cfgOpts, awsconfig.WithRegion(opts.Region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = secretsmanager.NewFromConfig(cfg)
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &Resolver{
		client:    client,
		cache:     make(map[string]cacheEntry),
		ttl:       ttl,
		lookupEnv: os.LookupEnv,
		logger:    logger,
	}, nil
}

// Resolve returns the provider's API key. The value is never logged.
func (r *Resolver) Resolve(ctx context.Context, p gateway.Provider) (string, error) {
	if p.SecretARN != "" {
		return r.fetchSecret(ctx, p.SecretARN)
	}
	if p.CredentialEnv != "" {
		if v, ok := r.lookupEnv(p.CredentialEnv); ok && v != "" {
			return v, nil
		}
		return "", fmt.Errorf("credential for provider %s is not set", p.ID)
	}
	return "", fmt.Errorf("provider %s has no credential source", p.ID)
}

// Available reports whether a credential source is configured. ARN
// presence counts as available without a round trip; an unresolvable
// ARN surfaces later as a per-candidate failure in the fallback loop.
func (r *Resolver) Available(p gateway.Provider) bool {
	if p.SecretARN != "" {
		return true
	}
	if p.CredentialEnv != "" {
		v, ok := r.lookupEnv(p.CredentialEnv)
		return ok && v != ""
	}
	return false
}

func (r *Resolver) fetchSecret(ctx context.Context, arn string) (string, error) {
	r.mu.RLock()
	entry, ok := r.cache[arn]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(arn),
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch secret %s: %w", maskARN(arn), err)
	}
	if out.SecretString == nil || *out.SecretString == "" {
		return "", fmt.Errorf("secret %s has no string value", maskARN(arn))
	}

	value := *out.SecretString
	r.mu.Lock()
	r.cache[arn] = cacheEntry{value: value, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	r.logger.Printf("Resolved secret %s", maskARN(arn))
	return value, nil
}

// maskARN keeps only the trailing secret name segment for log lines.
func maskARN(arn string) string {
	if i := strings.LastIndexByte(arn, ':'); i >= 0 && i+1 < len(arn) {
		return "..." + arn[i+1:]
	}
	return arn
}
