package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestExpandConfigEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("NAME", "gateway")

	expanded, missing, err := expandConfigEnv([]byte(`
port: ${PORT}
quoted: "${PORT}"
name: $NAME-prod
fallback: ${UNSET_WITH_DEFAULT:-fallback}
missing: ${DEFINITELY_UNSET_VAR}
${KEY_NOT_EXPANDED}: 1
`))
	require.NoError(t, err)
	require.Equal(t, []string{"DEFINITELY_UNSET_VAR"}, missing)

	var out map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(expanded), &out))
	require.Equal(t, 9090, out["port"])
	require.Equal(t, "9090", out["quoted"])
	require.Equal(t, "gateway-prod", out["name"])
	require.Equal(t, "fallback", out["fallback"])
	require.Contains(t, out, "${KEY_NOT_EXPANDED}")
}

func TestExpandConfigEnvInvalidYAML(t *testing.T) {
	_, _, err := expandConfigEnv([]byte("a: [unterminated"))
	require.Error(t, err)
}
