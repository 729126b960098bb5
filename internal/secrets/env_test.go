package secrets

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/ares/internal/domain"
)

func TestEnv_Gate(t *testing.T) {
	env := NewEnvFromMap(map[string]string{
		EmergencyApprovalEnv: "1",
		ManualRebalanceEnv:   "true",
	})

	assert.True(t, env.Gate(EmergencyApprovalEnv))
	assert.False(t, env.Gate(ManualRebalanceEnv), "only the literal 1 opens a gate")
	assert.False(t, env.Gate("UNSET"))
}

func TestEnv_Credential(t *testing.T) {
	env := NewEnvFromMap(map[string]string{"CMC_API_KEY": "abc", "BLANK": "  "})

	v, err := env.Credential("CMC_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "abc", v)

	_, err = env.Credential("BLANK")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMissingCredential))
	assert.True(t, domain.IsKind(err, domain.KindConfiguration))
	assert.Contains(t, err.Error(), "BLANK missing")
}

func TestRedactor(t *testing.T) {
	r := NewRedactor()

	assert.Equal(t, "[REDACTED]db:5432/ares", r.Redact("postgres://ares:hunter2@db:5432/ares"))
	assert.NotContains(t, r.Redact("api_key=supersecret"), "supersecret")
	assert.Equal(t, "plain text", r.Redact("plain text"))
}
