package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/store"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

const tokenPrefix = "mrt_"

// HashToken returns the stored form of a cluster credential.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GenerateToken returns a new random credential token. Only its hash is ever persisted.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// CredentialVerifier resolves cluster credential tokens.
type CredentialVerifier struct {
	store store.ClusterStore
}

// NewCredentialVerifier constructs a verifier over the cluster store.
func NewCredentialVerifier(s store.ClusterStore) *CredentialVerifier {
	return &CredentialVerifier{store: s}
}

// Verify returns the active credential for token. Unknown and inactive credentials are
// authorization errors; store failures are transient.
func (v *CredentialVerifier) Verify(ctx context.Context, token string) (models.Credential, error) {
	const op = "auth.Verify"
	if token == "" {
		return models.Credential{}, utils.Unauthorized(op, "missing cluster credential")
	}
	cred, err := v.store.GetCredential(ctx, HashToken(token))
	if errors.Is(err, store.ErrNotFound) {
		return models.Credential{}, utils.Unauthorized(op, "unknown cluster credential")
	}
	if err != nil {
		return models.Credential{}, utils.Transient(op, "credential lookup failed", err)
	}
	if !cred.Active {
		return models.Credential{}, utils.Unauthorized(op, "cluster credential is inactive")
	}
	return cred, nil
}

// IssueCredential registers a fresh token for clusterID and returns the raw token.
func IssueCredential(ctx context.Context, s store.ClusterStore, clusterID string, clock utils.Clock) (string, error) {
	if _, err := s.GetCluster(ctx, clusterID); err != nil {
		return "", fmt.Errorf("cluster %s: %w", clusterID, err)
	}
	token, err := GenerateToken()
	if err != nil {
		return "", err
	}
	cred := models.Credential{
		TokenHash: HashToken(token),
		ClusterID: clusterID,
		Active:    true,
		CreatedAt: clock.OrSystem()(),
	}
	if err := s.PutCredential(ctx, cred); err != nil {
		return "", fmt.Errorf("store credential: %w", err)
	}
	return token, nil
}
