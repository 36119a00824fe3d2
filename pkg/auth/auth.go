// Package auth verifies bearer credentials into principals and answers the
// route-permission questions the streaming gateway asks before it opens any
// upstream connection.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/dockmaster-io/dockmaster/pkg/types"
)

// Errors returned during credential verification.
var (
	// errMissingToken indicates no credential was supplied at all.
	errMissingToken = errors.New("no bearer token provided")
	// errInvalidToken indicates the credential failed signature or claims validation.
	errInvalidToken = errors.New("invalid bearer token")
	// errMissingSubject indicates the token carries no usable identity.
	errMissingSubject = errors.New("token has no subject claim")
)

// rolePermissions is the static role to permission table. A role not listed
// here holds no permissions.
var rolePermissions = map[types.Role][]types.Permission{
	types.RoleAdmin:    {types.PermContainerLogs, types.PermContainerExec, types.PermBuildsGet},
	types.RoleOperator: {types.PermContainerLogs, types.PermContainerExec, types.PermBuildsGet},
	types.RoleViewer:   {types.PermContainerLogs, types.PermBuildsGet},
}

// Claims is the JWT payload Dockmaster issues and verifies.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens into principals using a shared HMAC secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier from the configured signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a raw bearer token, returning the Principal it
// identifies.
func (v *Verifier) Verify(tokenString string) (*types.Principal, error) {
	if tokenString == "" {
		return nil, errMissingToken
	}

	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(_ *jwt.Token) (interface{}, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return nil, errMissingSubject
	}

	principal := &types.Principal{
		ID:       claims.Subject,
		Username: claims.Username,
		Role:     types.Role(claims.Role),
	}

	logrus.WithFields(logrus.Fields{
		"user": principal.Username,
		"role": principal.Role,
	}).Debug("Verified bearer token")

	return principal, nil
}

// HasPermission reports whether the role grants the permission.
func HasPermission(role types.Role, perm types.Permission) bool {
	for _, granted := range rolePermissions[role] {
		if granted == perm {
			return true
		}
	}

	return false
}

// RequiredPermission resolves the permission a streaming route demands from
// its path. The table is keyed by route shape: exec routes require
// containers:exec, log routes containers:logs, build routes builds:get.
// Unknown routes resolve to ok=false and must be rejected.
func RequiredPermission(path string) (types.Permission, bool) {
	switch {
	case strings.HasPrefix(path, "/ws/builds/"):
		return types.PermBuildsGet, true
	case strings.HasPrefix(path, "/ws/containers/") && strings.HasSuffix(path, "/exec"):
		return types.PermContainerExec, true
	case strings.HasPrefix(path, "/ws/containers/") && strings.HasSuffix(path, "/logs"):
		return types.PermContainerLogs, true
	default:
		return "", false
	}
}

// ExtractToken pulls the bearer credential from the request, preferring the
// "token" query parameter and falling back to the Authorization header.
func ExtractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}

	return ""
}
