package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderLifecycleBot/internal/domain"
)

type captureLogger struct {
	infos  []map[string]interface{}
	warns  []map[string]interface{}
	errors []map[string]interface{}
}

func (c *captureLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (c *captureLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	c.infos = append(c.infos, fields[0])
}
func (c *captureLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	c.warns = append(c.warns, fields[0])
}
func (c *captureLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	c.errors = append(c.errors, fields[0])
}

func TestEmitter_EmitWritesStructuredFields(t *testing.T) {
	log := &captureLogger{}
	e := NewEmitter(log)
	rec := (&Recorder{}).Attach(e)

	e.Emit(context.Background(), Event{Name: TradeOpen, Symbol: "BTCUSDT", TradeID: "t1", Payload: map[string]interface{}{"size": 0.5}})
	e.Emit(context.Background(), Event{Name: RiskEscalation, Severity: domain.SeverityCritical})
	e.Emit(context.Background(), Event{Name: AnomalyLatency, Severity: domain.SeverityWarning})

	require.Len(t, log.infos, 1)
	fields := log.infos[0]
	assert.Equal(t, TradeOpen, fields["event"])
	assert.Equal(t, "BTCUSDT", fields["symbol"])
	assert.Equal(t, "t1", fields["trade_id"])
	assert.Equal(t, "info", fields["severity"])
	assert.NotEmpty(t, fields["ts"])
	assert.Len(t, log.errors, 1)
	assert.Len(t, log.warns, 1)

	assert.Equal(t, 1, rec.Count(TradeOpen))
	last, ok := e.Last(RiskEscalation)
	require.True(t, ok)
	assert.Equal(t, domain.SeverityCritical, last.Severity)
}
