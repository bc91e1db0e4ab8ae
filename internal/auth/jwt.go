// Package auth verifies the two identities the engine accepts: operators holding a signed
// JWT scoped to clusters, and cluster agents holding an opaque credential token.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AllClusters in a token's cluster list grants access to every cluster.
const AllClusters = "*"

const operatorAudience = "mirador-remediate-operator"

// OperatorClaims identifies a human or automation acting on one or more clusters.
type OperatorClaims struct {
	Clusters []string `json:"clusters"`
	jwt.RegisteredClaims
}

// Allows reports whether the claims cover clusterID.
func (c *OperatorClaims) Allows(clusterID string) bool {
	if clusterID == "" {
		return false
	}
	return slices.Contains(c.Clusters, AllClusters) || slices.Contains(c.Clusters, clusterID)
}

// JWTManager signs and validates operator tokens with a shared HMAC secret.
type JWTManager struct {
	secretKey []byte
	issuer    string
	ttl       time.Duration
	now       func() time.Time
}

// NewJWTManager constructs a JWTManager. An empty secret is rejected.
func NewJWTManager(secretKey, issuer string, ttl time.Duration) (*JWTManager, error) {
	if secretKey == "" {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &JWTManager{secretKey: []byte(secretKey), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for subject scoped to clusters.
func (j *JWTManager) Issue(subject string, clusters []string) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}
	if len(clusters) == 0 {
		return "", errors.New("at least one cluster scope is required")
	}
	now := j.now()
	claims := &OperatorClaims{
		Clusters: clusters,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   subject,
			Audience:  []string{operatorAudience},
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secretKey)
}

// Validate parses tokenString and returns its claims when signature, audience and
// expiry all check out.
func (j *JWTManager) Validate(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return j.secretKey, nil
	},
		jwt.WithAudience(operatorAudience),
		jwt.WithIssuer(j.issuer),
		jwt.WithTimeFunc(j.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// ExtractBearer returns the token from an Authorization header value.
func ExtractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
