package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockmaster-io/dockmaster/pkg/types"
)

const testSecret = "unit-test-secret"

func signToken(t *testing.T, subject, username, role string, expires time.Time) string {
	t.Helper()

	claims := Claims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	return signed
}

func TestVerifyValidToken(t *testing.T) {
	verifier := NewVerifier(testSecret)
	token := signToken(t, "u-1", "alice", "admin", time.Now().Add(time.Hour))

	principal, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", principal.ID)
	assert.Equal(t, "alice", principal.Username)
	assert.Equal(t, types.RoleAdmin, principal.Role)
}

func TestVerifyRejectsEmptyToken(t *testing.T) {
	_, err := NewVerifier(testSecret).Verify("")
	assert.Error(t, err)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	verifier := NewVerifier("a different secret")
	token := signToken(t, "u-1", "alice", "admin", time.Now().Add(time.Hour))

	_, err := verifier.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	verifier := NewVerifier(testSecret)
	token := signToken(t, "u-1", "alice", "admin", time.Now().Add(-time.Minute))

	_, err := verifier.Verify(token)
	assert.Error(t, err)
}

func TestRolePermissionMatrix(t *testing.T) {
	cases := []struct {
		role    types.Role
		perm    types.Permission
		allowed bool
	}{
		{types.RoleAdmin, types.PermContainerLogs, true},
		{types.RoleAdmin, types.PermContainerExec, true},
		{types.RoleAdmin, types.PermBuildsGet, true},
		{types.RoleOperator, types.PermContainerExec, true},
		{types.RoleViewer, types.PermContainerLogs, true},
		{types.RoleViewer, types.PermBuildsGet, true},
		{types.RoleViewer, types.PermContainerExec, false},
		{types.Role("ghost"), types.PermContainerLogs, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.allowed, HasPermission(tc.role, tc.perm),
			"role %s perm %s", tc.role, tc.perm)
	}
}

func TestRequiredPermission(t *testing.T) {
	perm, ok := RequiredPermission("/ws/containers/abc123/logs")
	require.True(t, ok)
	assert.Equal(t, types.PermContainerLogs, perm)

	perm, ok = RequiredPermission("/ws/containers/abc123/exec")
	require.True(t, ok)
	assert.Equal(t, types.PermContainerExec, perm)

	perm, ok = RequiredPermission("/ws/builds/7f2c")
	require.True(t, ok)
	assert.Equal(t, types.PermBuildsGet, perm)

	_, ok = RequiredPermission("/ws/unknown/route")
	assert.False(t, ok)
}

func TestExtractTokenPrefersQueryParameter(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws/builds/1?token=from-query", nil)
	req.Header.Set("Authorization", "Bearer from-header")

	assert.Equal(t, "from-query", ExtractToken(req))
}

func TestExtractTokenFallsBackToHeader(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws/builds/1", nil)
	req.Header.Set("Authorization", "Bearer from-header")

	assert.Equal(t, "from-header", ExtractToken(req))
}

func TestExtractTokenMissing(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws/builds/1", nil)

	assert.Empty(t, ExtractToken(req))
}
