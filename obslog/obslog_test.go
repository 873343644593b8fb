package obslog

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf))

	l.Info().Str("component", "driver").Int64("place_id", 3).Log("poll tick")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "driver", decoded["component"])
	assert.Equal(t, float64(3), decoded["place_id"])
	assert.Equal(t, "poll tick", decoded["msg"])
}

func TestNew_LevelFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf), WithLevel(logiface.LevelWarning))

	l.Info().Log("should be filtered out")
	assert.Empty(t, buf.Bytes())

	l.Warning().Log("should be written")
	assert.NotEmpty(t, buf.Bytes())
}

func TestNoop_WritesNothing(t *testing.T) {
	l := Noop()
	// Disabled loggers build a non-nil, non-writing Builder; this must not
	// panic, and nothing observable happens as a result.
	l.Info().Str("component", "x").Log("discarded")
}

func TestWith_AttachesComponentFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf))

	With(l.Info(), ComponentFields{Component: "suspend", PlaceID: 1, ChannelID: "0:0"}).Log("suspended")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "suspend", decoded["component"])
	assert.Equal(t, float64(1), decoded["place_id"])
	assert.Equal(t, "0:0", decoded["channel_id"])
}

func TestWith_OmitsEmptyChannelID(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf))

	With(l.Info(), ComponentFields{Component: "breakmgr", PlaceID: 2}).Log("paused")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	_, hasChannel := decoded["channel_id"]
	assert.False(t, hasChannel)
}
