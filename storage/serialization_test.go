package storage

import (
	"testing"
	"time"

	"github.com/poiesic/alexandria/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalDocument(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)

	tests := []struct {
		name string
		doc  *core.Document
	}{
		{"text document", &core.Document{Id: 1, Name: "a.txt", Type: core.DocTypeText, Content: []byte("hello"), InsertedAt: now}},
		{"binary content", &core.Document{Id: 2, Name: "a.pdf", Type: core.DocTypePDF, Content: []byte{0x25, 0x50, 0x00, 0xff}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := MarshalDocument(tt.doc)
			require.NotEmpty(t, data)

			decoded, err := UnmarshalDocument(data)
			require.NoError(t, err)
			assert.Equal(t, tt.doc, decoded)
		})
	}
}

func TestUnmarshal_Invalid(t *testing.T) {
	_, err := UnmarshalBatchRecord([]byte{})
	require.ErrorIs(t, err, ErrSerializationFailed)

	_, err = UnmarshalPipelineState([]byte{0x01})
	require.ErrorIs(t, err, ErrSerializationFailed)
}

func TestMarshalUnmarshalPipelineState(t *testing.T) {
	state := core.NewPipelineState("batch", 12)
	state.UpdatedAt = state.UpdatedAt.Truncate(time.Microsecond)
	state.Stage = core.StageEnriching
	state.Metadata["classification"] = "report"

	decoded, err := UnmarshalPipelineState(MarshalPipelineState(&state))
	require.NoError(t, err)
	assert.Equal(t, &state, decoded)
}
