package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyTemplate_Resolve(t *testing.T) {
	at := time.Date(2026, 3, 14, 19, 30, 0, 0, time.UTC)

	testcases := []struct {
		name    string
		src     string
		args    Args
		want    string
		wantErr bool
	}{
		{
			name: "slot key",
			src:  "slot:{{.restaurantId}}:{{date .date}}:{{clock .startTime}}",
			args: Args{"restaurantId": int64(3), "date": at, "startTime": at},
			want: "slot:3:2026-03-14:19:30",
		},
		{
			name: "pointer time",
			src:  "{{date .date}}",
			args: Args{"date": &at},
			want: "2026-03-14",
		},
		{
			name: "string passes through",
			src:  "{{clock .startTime}}",
			args: Args{"startTime": "19:30"},
			want: "19:30",
		},
		{
			name: "case helpers",
			src:  "{{lower .a}}-{{upper .b}}",
			args: Args{"a": "AbC", "b": "xY"},
			want: "abc-XY",
		},
		{
			name:    "missing argument",
			src:     "user:{{.userId}}",
			args:    Args{},
			wantErr: true,
		},
		{
			name:    "nil args",
			src:     "user:{{.userId}}",
			wantErr: true,
		},
		{
			name:    "not a time",
			src:     "{{date .date}}",
			args:    Args{"date": 42},
			wantErr: true,
		},
		{
			name:    "empty result",
			src:     "{{.blank}}",
			args:    Args{"blank": ""},
			wantErr: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			k, err := ParseKey(tc.src)
			require.NoError(t, err)

			got, err := k.Resolve(tc.args)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrKeyTemplate)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestKeyTemplate_EvaluatedPerCall(t *testing.T) {
	k, err := ParseKey("user:{{.userId}}")
	require.NoError(t, err)

	first, err := k.Resolve(Args{"userId": "a"})
	require.NoError(t, err)
	second, err := k.Resolve(Args{"userId": "b"})
	require.NoError(t, err)

	assert.Equal(t, "user:a", first)
	assert.Equal(t, "user:b", second)
	assert.Equal(t, "user:{{.userId}}", k.String())
}
