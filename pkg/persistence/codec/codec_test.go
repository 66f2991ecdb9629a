package codec_test

import (
	"testing"
	"time"

	"github.com/aretw0/waymark/pkg/domain"
	"github.com/aretw0/waymark/pkg/persistence/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip_PreservesNanoseconds(t *testing.T) {
	stamp := time.Date(2026, 5, 6, 7, 8, 9, 987654321, time.UTC)
	s := domain.NewSession("s1", stamp)
	s.Stage = domain.StageDatabaseAnalysis
	s.History = []domain.Stage{domain.StageInit, domain.StageInstanceSelection}
	s.Fields.InstanceID = "local"

	data, err := codec.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"current_stage":"database_analysis"`)

	out, err := codec.Unmarshal(data)
	require.NoError(t, err)
	assert.True(t, out.UpdatedAt.Equal(stamp))
	assert.Equal(t, 987654321, out.UpdatedAt.Nanosecond())
	assert.Equal(t, s.History, out.History)
	assert.NotNil(t, out.SideData)
}

func TestUnmarshal_RejectsCorruptRecords(t *testing.T) {
	tests := map[string]string{
		"missing id":    `{"current_stage":"init"}`,
		"unknown stage": `{"session_id":"x","current_stage":"limbo"}`,
		"bad history":   `{"session_id":"x","current_stage":"init","stage_history":["limbo"]}`,
		"counter":       `{"session_id":"x","current_stage":"init","collected_fields":{"refinement_count":9,"max_refinements":5}}`,
		"not json":      `{{`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := codec.Unmarshal([]byte(doc))
			assert.Error(t, err)
		})
	}
}
