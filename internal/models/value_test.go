package models

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCell(t *testing.T) {
	tests := []struct {
		in   string
		want Value
	}{
		{"", NullValue()},
		{"  NaN ", NullValue()},
		{"N/A", NullValue()},
		{"#N/A", NullValue()},
		{"true", BoolValue(true)},
		{"FALSE", BoolValue(false)},
		{"42", NumberValue(42)},
		{"-3.5", NumberValue(-3.5)},
		{"1e3", NumberValue(1000)},
		{"0.25", NumberValue(0.25)},
		{"007", StringValue("007")},
		{"0x1f", StringValue("0x1f")},
		{"inf", StringValue("inf")},
		{"hello world", StringValue("hello world")},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseCell(tt.in))
		})
	}
}

func TestNumberValueRejectsNaN(t *testing.T) {
	assert.True(t, NumberValue(math.NaN()).IsNull())
	assert.True(t, NumberValue(math.Inf(1)).IsNull())
	assert.True(t, Value{}.IsNull(), "zero value is null")
}

func TestValueOf(t *testing.T) {
	v, err := ValueOf(json.Number("12.5"))
	require.NoError(t, err)
	assert.Equal(t, NumberValue(12.5), v)

	v, err = ValueOf(int64(3))
	require.NoError(t, err)
	assert.Equal(t, "3", v.String())

	_, err = ValueOf([]int{1})
	assert.Error(t, err)
}

func TestRecordKeepsFieldOrder(t *testing.T) {
	r := NewRecord([]string{"z", "a", "m"}, []Value{StringValue("last"), NumberValue(1)})
	assert.Equal(t, `{"z":"last","a":1,"m":null}`, r.String(), "missing values become null")

	var back Record
	require.NoError(t, json.Unmarshal([]byte(`{"b":true,"a":"x","c":{"n":1}}`), &back))
	assert.Equal(t, []string{"b", "a", "c"}, back.Names())

	c, ok := back.Get("c")
	require.True(t, ok)
	assert.Equal(t, `{"n":1}`, c.Str, "nested values are kept as JSON text")

	back.Set("a", NullValue())
	back.Set("d", BoolValue(false))
	assert.Equal(t, `{"b":true,"a":null,"c":"{\"n\":1}","d":false}`, back.String())

	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &back))
}

func TestParseVerbosity(t *testing.T) {
	v, err := ParseVerbosity("")
	require.NoError(t, err)
	assert.Equal(t, VerbosityPresets["BALANCED"], v)

	v, err = ParseVerbosity("verbose")
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	v, err = ParseVerbosity("0.9")
	require.NoError(t, err)
	assert.Equal(t, 0.9, v)

	_, err = ParseVerbosity("loud")
	assert.Error(t, err)
}

func TestParseGranularity(t *testing.T) {
	g, err := ParseGranularity("per_cell")
	require.NoError(t, err)
	assert.Equal(t, GranularityPerCell, g)

	g, err = ParseGranularity("")
	require.NoError(t, err)
	assert.Equal(t, GranularityPerRow, g)

	_, err = ParseGranularity("PER_TABLE")
	assert.Error(t, err)
}

func TestChunkStats(t *testing.T) {
	var s ChunkStats
	for _, st := range []ChunkStatus{JobStatusFinished, JobStatusFailed, JobStatusQueued, JobStatusFinished} {
		s.Add(st)
	}
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 75.0, s.PercentComplete())
	assert.True(t, s.PartialFailure())
	assert.Equal(t, 0.0, ChunkStats{}.PercentComplete())

	assert.True(t, JobStatusCancelled.IsTerminal())
	assert.False(t, JobStatusRunning.IsTerminal())
}
