package gate_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/waymark/pkg/gate"
)

func TestSanitizeArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]any
		limit   int
		want    map[string]any
		wantErr error
	}{
		{
			name: "clean input passes through",
			args: map[string]any{"db": "shop", "n": 3.0, "ok": true},
			want: map[string]any{"db": "shop", "n": 3.0, "ok": true},
		},
		{
			name:  "control characters are stripped",
			args:  map[string]any{"q": "find\x1b[31m\x00 all\n\tpaid"},
			limit: 64,
			want:  map[string]any{"q": "find[31m all\n\tpaid"},
		},
		{
			name: "nested values are cleaned",
			args: map[string]any{"generated_query": map[string]any{"filter": []any{"a\x07", 1.0}}},
			want: map[string]any{"generated_query": map[string]any{"filter": []any{"a", 1.0}}},
		},
		{
			name:    "oversized value is rejected",
			args:    map[string]any{"q": strings.Repeat("x", 11)},
			wantErr: gate.ErrArgTooLarge,
		},
		{
			name:    "size is measured before stripping",
			args:    map[string]any{"q": strings.Repeat("\x00", 11)},
			wantErr: gate.ErrArgTooLarge,
		},
		{
			name:    "invalid utf8 is rejected",
			args:    map[string]any{"q": string([]byte{0xff, 0xfe})},
			wantErr: gate.ErrInvalidUTF8,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limit := tt.limit
			if limit == 0 {
				limit = 10
			}
			got, err := gate.SanitizeArgs(tt.args, limit)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSanitizeArgs_ErrorNamesPath(t *testing.T) {
	_, err := gate.SanitizeArgs(map[string]any{"outer": map[string]any{"inner": strings.Repeat("x", 20)}}, 10)
	assert.ErrorContains(t, err, "outer.inner")
}
