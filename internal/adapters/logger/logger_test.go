package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warning", LevelWarn},
		{"Error", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestStdLogger_FiltersAndSortsFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewStdLoggerTo(&buf, LevelInfo)
	ctx := WithFields(context.Background(), map[string]interface{}{"tradeID": "t-1"})

	l.Debug(ctx, "hidden")
	l.Info(ctx, "Trade opened", map[string]interface{}{"symbol": "BTCUSDT", "qty": 0.5})
	l.Error(ctx, errors.New("boom"), "Close failed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[INFO] Trade opened | qty=0.5 symbol=BTCUSDT tradeID=t-1")
	assert.Contains(t, lines[1], "[ERROR] Close failed | error: boom | tradeID=t-1")
}

func TestZapLogger_WritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewZapLoggerTo(&buf, LevelWarn)
	ctx := context.Background()

	l.Info(ctx, "hidden")
	l.Warn(ctx, "Slippage high", map[string]interface{}{"bps": 42}, map[string]interface{}{"symbol": "ETHUSDT"})
	l.Error(ctx, errors.New("rejected"), "Order failed")
	require.NoError(t, l.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "warn", first["level"])
	assert.Equal(t, "Slippage high", first["msg"])
	assert.Equal(t, float64(42), first["bps"])
	assert.Equal(t, "ETHUSDT", first["symbol"])
	assert.NotEmpty(t, first["ts"])

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "rejected", second["error"])
}

func TestNew(t *testing.T) {
	l, err := New("json", "debug")
	require.NoError(t, err)
	assert.IsType(t, &ZapLogger{}, l)

	l, err = New("", "info")
	require.NoError(t, err)
	assert.IsType(t, &StdLogger{}, l)

	_, err = New("xml", "info")
	assert.Error(t, err)
}
