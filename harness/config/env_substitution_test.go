package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("HARNESS_TEST_HOST", "auth.local")
	t.Setenv("HARNESS_TEST_EMPTY", "")

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{
			name: "basic substitution",
			in:   "host: ${HARNESS_TEST_HOST}",
			want: "host: auth.local",
		},
		{
			name: "unset variable becomes empty",
			in:   "host: ${HARNESS_TEST_MISSING}",
			want: "host: ",
		},
		{
			name: "default used when unset",
			in:   "host: ${HARNESS_TEST_MISSING:-fallback.local}",
			want: "host: fallback.local",
		},
		{
			name: "default used when empty",
			in:   "host: ${HARNESS_TEST_EMPTY:-fallback.local}",
			want: "host: fallback.local",
		},
		{
			name: "default ignored when set",
			in:   "host: ${HARNESS_TEST_HOST:-fallback.local}",
			want: "host: auth.local",
		},
		{
			name: "required present",
			in:   "host: ${HARNESS_TEST_HOST:?host must be set}",
			want: "host: auth.local",
		},
		{
			name:    "required missing",
			in:      "host: ${HARNESS_TEST_MISSING:?host must be set}",
			wantErr: true,
		},
		{
			name:    "required missing default message",
			in:      "host: ${HARNESS_TEST_MISSING:?}",
			wantErr: true,
		},
		{
			name: "escaped reference",
			in:   "host: $${HARNESS_TEST_HOST}",
			want: "host: ${HARNESS_TEST_HOST}",
		},
		{
			name: "multiple references",
			in:   "${HARNESS_TEST_HOST}:${HARNESS_TEST_MISSING:-8001}",
			want: "auth.local:8001",
		},
		{
			name: "no references",
			in:   "host: literal",
			want: "host: literal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SubstituteEnvVars(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubstituteEnvVarsRequiredMessage(t *testing.T) {
	_, err := SubstituteEnvVars("key: ${HARNESS_TEST_MISSING:?the api key is required}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "the api key is required")
}
