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

package gateway

import (
	"context"
	"fmt"
	"os"
)

// EnvCredentials resolves provider API keys from environment variables.
// It is the default resolver; deployments that keep keys in AWS Secrets
// Manager use the secrets package resolver instead.
type EnvCredentials struct {
	// LookupEnv is swappable for tests. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// NewEnvCredentials creates an environment-backed credential resolver.
func NewEnvCredentials() *EnvCredentials {
	return &EnvCredentials{LookupEnv: os.LookupEnv}
}

// Resolve returns the provider's API key from its configured
// environment variable.
func (c *EnvCredentials) Resolve(_ context.Context, p Provider) (string, error) {
	if p.CredentialEnv == "" {
		return "", fmt.Errorf("provider %s has no credential source", p.ID)
	}
	v, ok := c.LookupEnv(p.CredentialEnv)
	if !ok || v == "" {
		return "", fmt.Errorf("credential for provider %s is not set", p.ID)
	}
	return v, nil
}

// Available reports whether the provider's environment variable is set.
func (c *EnvCredentials) Available(p Provider) bool {
	if p.CredentialEnv == "" {
		return false
	}
	v, ok := c.LookupEnv(p.CredentialEnv)
	return ok && v != ""
}

// StaticCredentials maps provider ids to fixed keys. Test helper.
type StaticCredentials map[string]string

// Resolve returns the fixed key for the provider.
func (c StaticCredentials) Resolve(_ context.Context, p Provider) (string, error) {
	v, ok := c[p.ID]
	if !ok {
		return "", fmt.Errorf("credential for provider %s is not set", p.ID)
	}
	return v, nil
}

// Available reports whether a fixed key exists for the provider.
func (c StaticCredentials) Available(p Provider) bool {
	_, ok := c[p.ID]
	return ok
}
