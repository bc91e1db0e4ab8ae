package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/store/badgerstore"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

func TestJWTRoundTrip(t *testing.T) {
	mgr, err := NewJWTManager("s3cret", "mirador-remediate", time.Hour)
	require.NoError(t, err)

	token, err := mgr.Issue("alice", []string{"c1"})
	require.NoError(t, err)

	claims, err := mgr.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.True(t, claims.Allows("c1"))
	assert.False(t, claims.Allows("c2"))
	assert.False(t, claims.Allows(""))
}

func TestJWTWildcardScope(t *testing.T) {
	mgr, err := NewJWTManager("s3cret", "mirador-remediate", time.Hour)
	require.NoError(t, err)
	token, err := mgr.Issue("ops-bot", []string{AllClusters})
	require.NoError(t, err)
	claims, err := mgr.Validate(token)
	require.NoError(t, err)
	assert.True(t, claims.Allows("anything"))
}

func TestJWTRejectsExpiredAndForeign(t *testing.T) {
	mgr, err := NewJWTManager("s3cret", "mirador-remediate", time.Minute)
	require.NoError(t, err)
	token, err := mgr.Issue("alice", []string{"c1"})
	require.NoError(t, err)

	mgr.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = mgr.Validate(token)
	assert.Error(t, err)

	other, err := NewJWTManager("different", "mirador-remediate", time.Minute)
	require.NoError(t, err)
	_, err = other.Validate(token)
	assert.Error(t, err)

	_, err = NewJWTManager("", "x", time.Minute)
	assert.Error(t, err)
}

func TestExtractBearer(t *testing.T) {
	assert.Equal(t, "abc", ExtractBearer("Bearer abc"))
	assert.Equal(t, "abc", ExtractBearer("bearer abc"))
	assert.Empty(t, ExtractBearer("Basic abc"))
	assert.Empty(t, ExtractBearer(""))
}

func TestCredentialVerifier(t *testing.T) {
	ctx := context.Background()
	s, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CreateCluster(ctx, models.Cluster{ID: "c1", Name: "prod", CreatedAt: time.Now()}))
	token, err := IssueCredential(ctx, s, "c1", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, tokenPrefix))

	v := NewCredentialVerifier(s)
	cred, err := v.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "c1", cred.ClusterID)

	_, err = v.Verify(ctx, "mrt_unknown")
	assert.Equal(t, utils.KindAuthorization, utils.KindOf(err))
	_, err = v.Verify(ctx, "")
	assert.Equal(t, utils.KindAuthorization, utils.KindOf(err))

	cred.Active = false
	require.NoError(t, s.PutCredential(ctx, cred))
	_, err = v.Verify(ctx, token)
	assert.Equal(t, utils.KindAuthorization, utils.KindOf(err))

	_, err = IssueCredential(ctx, s, "missing", nil)
	assert.Error(t, err)
}
