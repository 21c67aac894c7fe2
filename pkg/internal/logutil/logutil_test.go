package logutil

import (
    "bytes"
    "encoding/json"
    "log"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestLogf_TextMode(t *testing.T) {
    SetJSON(false)
    var buf bytes.Buffer
    l := log.New(&buf, "", 0)

    Infof(l, "replica %s started", "r1")
    Warnf(l, "slow")
    assert.Contains(t, buf.String(), "INFO replica r1 started")
    assert.Contains(t, buf.String(), "WARN slow")
}

func TestLogf_JSONMode(t *testing.T) {
    SetJSON(true)
    defer SetJSON(false)
    var buf bytes.Buffer
    l := log.New(&buf, "", 0)

    Errorf(l, "boom %d", 7)
    var evt map[string]any
    require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &evt))
    assert.Equal(t, "ERROR", evt["level"])
    assert.Equal(t, "boom 7", evt["msg"])
}

func TestDebugf_Gated(t *testing.T) {
    SetJSON(false)
    var buf bytes.Buffer
    l := log.New(&buf, "", 0)

    Debugf(l, "hidden")
    assert.Empty(t, buf.String())

    SetDebug(true)
    defer SetDebug(false)
    Debugf(l, "shown")
    assert.Contains(t, buf.String(), "DEBUG shown")
}
