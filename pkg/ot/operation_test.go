package ot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply(t *testing.T) {
	tests := []struct {
		op      Op
		name    string
		doc     string
		want    string
		wantErr bool
	}{
		{name: "insert at start", doc: "world", op: Insert{Pos: 0, Text: "hello "}, want: "hello world"},
		{name: "insert in middle", doc: "held", op: Insert{Pos: 3, Text: "lo worl"}, want: "hello world"},
		{name: "insert at end", doc: "hello", op: Insert{Pos: 5, Text: "!"}, want: "hello!"},
		{name: "insert into empty document", doc: "", op: Insert{Pos: 0, Text: "a"}, want: "a"},
		{name: "delete from start", doc: "hello", op: Delete{Pos: 0, Len: 2}, want: "llo"},
		{name: "delete in middle", doc: "hello", op: Delete{Pos: 1, Len: 3}, want: "ho"},
		{name: "delete whole document", doc: "hello", op: Delete{Pos: 0, Len: 5}, want: ""},
		{name: "retain is identity", doc: "hello", op: Retain{Len: 3}, want: "hello"},
		{name: "insert past end", doc: "hi", op: Insert{Pos: 3, Text: "x"}, wantErr: true},
		{name: "insert negative position", doc: "hi", op: Insert{Pos: -1, Text: "x"}, wantErr: true},
		{name: "delete past end", doc: "hi", op: Delete{Pos: 1, Len: 5}, wantErr: true},
		{name: "delete negative length", doc: "hi", op: Delete{Pos: 0, Len: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(tt.doc, tt.op)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrRangeViolation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyBatch(t *testing.T) {
	// Позиции внутри батча интерпретируются против уже изменённого документа.
	batch := Batch{
		Retain{Len: 2},
		Delete{Pos: 2, Len: 3},
		Insert{Pos: 2, Text: "XY"},
	}
	got, err := ApplyBatch("abcdefg", batch)
	require.NoError(t, err)
	assert.Equal(t, "abXYfg", got)
}

func TestApplyBatch_RangeViolationAborts(t *testing.T) {
	batch := Batch{
		Delete{Pos: 0, Len: 3},
		Insert{Pos: 10, Text: "x"}, // после первого удаления выходит за границы
	}
	_, err := ApplyBatch("abcd", batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRangeViolation)
}

func TestBatch_JSONRoundTrip(t *testing.T) {
	batch := Batch{
		Retain{Len: 4},
		Delete{Pos: 4, Len: 2},
		Insert{Pos: 4, Text: "же"},
	}

	data, err := json.Marshal(batch)
	require.NoError(t, err)

	var decoded Batch
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, batch, decoded)
}

func TestBatch_WireFormat(t *testing.T) {
	// Формат на проводе зафиксирован протоколом, менять нельзя.
	data, err := json.Marshal(Batch{Insert{Pos: 5, Text: "x"}})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"type":"insert","position":5,"char":"x","length":0}]`, string(data))

	var decoded Batch
	require.NoError(t, json.Unmarshal([]byte(`[{"type":"delete","position":2,"length":3}]`), &decoded))
	assert.Equal(t, Batch{Delete{Pos: 2, Len: 3}}, decoded)
}

func TestBatch_UnmarshalUnknownType(t *testing.T) {
	var decoded Batch
	err := json.Unmarshal([]byte(`[{"type":"move","position":1}]`), &decoded)
	require.Error(t, err)
}

func TestIsNoop(t *testing.T) {
	assert.True(t, IsNoop(Retain{Len: 7}))
	assert.True(t, IsNoop(Insert{Pos: 3}))
	assert.True(t, IsNoop(Delete{Pos: 3}))
	assert.False(t, IsNoop(Insert{Pos: 0, Text: "a"}))
	assert.False(t, IsNoop(Delete{Pos: 0, Len: 1}))
}
