package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediate/internal/models"
)

func TestDecodeCandidates(t *testing.T) {
	raw := []byte("```json\n" + `{"issues":[
		{"kind":"Pod_CrashLoop","severity":"HIGH","resource":{"kind":"Pod","namespace":"shop","name":"api-1"},"description":"api-1 keeps restarting","evidence":["restarts=7"]},
		{"kind":"oom","severity":"urgent","resource":{"name":"api-2"},"description":"bad severity"},
		{"kind":"oom","severity":"high","resource":{"name":"api-3"},"description":"extra field","confidence":0.9},
		{"kind":"oom","severity":"high","resource":{},"description":"no resource"},
		{"severity":"low","resource":{"node":"n1"},"description":"missing kind"},
		"not an object"
	]}` + "\n```")

	candidates, dropped := DecodeCandidates(raw)

	require.Len(t, candidates, 1)
	assert.Equal(t, 5, dropped)
	c := candidates[0]
	assert.Equal(t, "pod_crashloop", c.Kind)
	assert.Equal(t, models.SeverityHigh, c.Severity)
	assert.Equal(t, "api-1", c.Resource.Name)
	assert.Equal(t, []string{"restarts=7"}, c.Evidence)
}

func TestDecodeCandidatesMalformedEnvelope(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":        "the cluster looks fine",
		"array":           `[{"kind":"x"}]`,
		"issues not list": `{"issues":{"kind":"x"}}`,
		"empty":           "",
	} {
		t.Run(name, func(t *testing.T) {
			candidates, dropped := DecodeCandidates([]byte(raw))
			assert.Empty(t, candidates)
			assert.Zero(t, dropped)
		})
	}
}

func TestDedupKey(t *testing.T) {
	pod := models.Resource{Kind: "Pod", Namespace: "shop", Name: "api-1"}

	assert.Equal(t, DedupKey(pod, "pod_crashloop"), DedupKey(pod, " POD_CRASHLOOP "))
	assert.Len(t, DedupKey(pod, "pod_crashloop"), 64)
	assert.NotEqual(t, DedupKey(pod, "pod_crashloop"), DedupKey(pod, "pod_oom_killed"))

	other := pod
	other.Name = "api-2"
	assert.NotEqual(t, DedupKey(pod, "pod_crashloop"), DedupKey(other, "pod_crashloop"))
}
