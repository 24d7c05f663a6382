package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callcoach/internal/config"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{ServiceName: "callcoach"}, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	// no-op providers still hand out usable instruments
	counter, err := Meter("callcoach/test").Int64Counter("test.count")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	_, span := Tracer("callcoach/test").Start(context.Background(), "op")
	span.End()
}
