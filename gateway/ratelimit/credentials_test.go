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

package ratelimit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/llm-gateway/gateway"
)

var credentialColumns = []string{
	"id", "owner", "key_prefix", "request_limit", "window_seconds", "enabled", "expires_at",
}

func TestHashCredential(t *testing.T) {
	a := HashCredential("axg_secret")
	b := HashCredential("axg_secret")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, HashCredential("axg_other"))
	assert.NotContains(t, a, "axg_secret")
}

func TestVerifyCredential_Known(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	raw := "axg_testkey"
	rows := sqlmock.NewRows(credentialColumns).
		AddRow("cred-1", "team-search", "axg_testk", 120, 60, true, nil)
	mock.ExpectQuery(`SELECT id, owner, key_prefix`).
		WithArgs(HashCredential(raw)).
		WillReturnRows(rows)

	store := NewCredentialStore(db)
	info, err := store.VerifyCredential(context.Background(), raw)
	require.NoError(t, err)

	assert.Equal(t, "cred-1", info.ID)
	assert.Equal(t, "team-search", info.Owner)
	assert.Equal(t, HashCredential(raw), info.KeyHash)
	assert.Equal(t, 120, info.RequestLimit)
	assert.Equal(t, 60, info.WindowSeconds)
	assert.Nil(t, info.ExpiresAt)
}

func TestVerifyCredential_Unknown(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`SELECT id, owner, key_prefix`).
		WillReturnRows(sqlmock.NewRows(credentialColumns))

	store := NewCredentialStore(db)
	_, err = store.VerifyCredential(context.Background(), "axg_unknown")
	require.Error(t, err)

	var gwErr *gateway.Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, gateway.CodeInvalidAPIKey, gwErr.Code)
}

func TestVerifyCredential_Disabled(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	rows := sqlmock.NewRows(credentialColumns).
		AddRow("cred-1", "team-search", "axg_testk", 120, 60, false, nil)
	mock.ExpectQuery(`SELECT id, owner, key_prefix`).WillReturnRows(rows)

	store := NewCredentialStore(db)
	_, err = store.VerifyCredential(context.Background(), "axg_disabled")
	require.Error(t, err)

	var gwErr *gateway.Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, gateway.CodeKeyDisabled, gwErr.Code)
}

func TestVerifyCredential_Expired(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Hour)
	rows := sqlmock.NewRows(credentialColumns).
		AddRow("cred-1", "team-search", "axg_testk", 120, 60, true, expired)
	mock.ExpectQuery(`SELECT id, owner, key_prefix`).WillReturnRows(rows)

	store := NewCredentialStore(db, WithCredentialClock(func() time.Time { return now }))
	_, err = store.VerifyCredential(context.Background(), "axg_expired")
	require.Error(t, err)

	var gwErr *gateway.Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, gateway.CodeKeyExpired, gwErr.Code)
}

func TestVerifyCredential_NotYetExpired(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(24 * time.Hour)
	rows := sqlmock.NewRows(credentialColumns).
		AddRow("cred-1", "team-search", "axg_testk", 120, 60, true, future)
	mock.ExpectQuery(`SELECT id, owner, key_prefix`).WillReturnRows(rows)

	store := NewCredentialStore(db, WithCredentialClock(func() time.Time { return now }))
	info, err := store.VerifyCredential(context.Background(), "axg_valid")
	require.NoError(t, err)
	require.NotNil(t, info.ExpiresAt)
	assert.Equal(t, future, *info.ExpiresAt)
}

func TestVerifyCredential_OutageFailOpen(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`SELECT id, owner, key_prefix`).
		WillReturnError(errors.New("connection refused"))

	store := NewCredentialStore(db)
	info, err := store.VerifyCredential(context.Background(), "axg_any")
	require.NoError(t, err)

	assert.Equal(t, "anonymous", info.ID)
	assert.Equal(t, DefaultRequestLimit, info.RequestLimit)
	assert.Equal(t, HashCredential("axg_any"), info.KeyHash)
	assert.True(t, info.Enabled)
}

func TestVerifyCredential_OutageFailClosed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`SELECT id, owner, key_prefix`).
		WillReturnError(errors.New("connection refused"))

	store := NewCredentialStore(db, WithCredentialFailureMode(FailClosed))
	_, err = store.VerifyCredential(context.Background(), "axg_any")
	require.Error(t, err)

	var gwErr *gateway.Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, gateway.CodeInvalidAPIKey, gwErr.Code)
	assert.Contains(t, gwErr.Message, "fail-closed")
}

// ============================================================
// Issuance
// ============================================================

func TestGenerateCredential(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`INSERT INTO gateway_credentials`).
		WithArgs(sqlmock.AnyArg(), "team-search", sqlmock.AnyArg(), sqlmock.AnyArg(),
			120, 30, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewCredentialStore(db)
	issued, err := store.GenerateCredential(context.Background(), "team-search",
		GenerateOptions{RequestLimit: 120, WindowSeconds: 30})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(issued.RawKey, KeyPrefix))
	assert.Len(t, issued.RawKey, len(KeyPrefix)+64)
	assert.Equal(t, issued.RawKey[:len(KeyPrefix)+8], issued.KeyPrefix)
	assert.NotEmpty(t, issued.ID)
	assert.Equal(t, 120, issued.RequestLimit)
	assert.Equal(t, 30, issued.WindowSeconds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGenerateCredential_Defaults(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`INSERT INTO gateway_credentials`).
		WithArgs(sqlmock.AnyArg(), "team-search", sqlmock.AnyArg(), sqlmock.AnyArg(),
			DefaultRequestLimit, DefaultWindowSeconds, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewCredentialStore(db)
	issued, err := store.GenerateCredential(context.Background(), "team-search", GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, DefaultRequestLimit, issued.RequestLimit)
}

func TestGenerateCredential_RequiresOwner(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewCredentialStore(db)
	_, err = store.GenerateCredential(context.Background(), "", GenerateOptions{})
	assert.Error(t, err)
}

func TestGenerateCredential_UniqueKeys(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`INSERT INTO gateway_credentials`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO gateway_credentials`).WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewCredentialStore(db)
	a, err := store.GenerateCredential(context.Background(), "owner", GenerateOptions{})
	require.NoError(t, err)
	b, err := store.GenerateCredential(context.Background(), "owner", GenerateOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, a.RawKey, b.RawKey)
}
