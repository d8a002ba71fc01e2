package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	talerrors "github.com/wehubfusion/Talos/pkg/errors"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	p, err := Setup(context.Background(), DefaultConfig("talos"), nil)
	require.NoError(t, err)
	assert.Nil(t, p.tp)
	assert.NoError(t, p.Shutdown(context.Background()))

	var nilProvider *Provider
	assert.NoError(t, nilProvider.Shutdown(context.Background()))
}

func TestSetupEnabledShutsDown(t *testing.T) {
	cfg := DefaultConfig("talos")
	cfg.Enabled = true
	p, err := Setup(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, p.tp)

	// no spans were recorded, so nothing is exported on flush
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSetError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := tp.Tracer("test")

	_, failed := tracer.Start(context.Background(), "failed")
	SetError(failed, talerrors.New(talerrors.KindTimedOut, "task timed out", errors.New("deadline")))
	failed.End()

	_, ok := tracer.Start(context.Background(), "ok")
	SetError(ok, nil)
	ok.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Status().Description, "task timed out")
	require.Len(t, spans[0].Events(), 1)

	var kind string
	for _, kv := range spans[0].Attributes() {
		if kv.Key == ErrorKindKey {
			kind = kv.Value.AsString()
		}
	}
	assert.Equal(t, "timed_out", kind)
	assert.Equal(t, codes.Ok, spans[1].Status().Code)
}
