package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/breez/table-sync/types"
)

func TestStageSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	_, span := StartStage(context.Background(), types.SideClient, "s1", types.StageSelectChanges)
	End(span, nil)
	_, span = StartStage(context.Background(), types.SideServer, "s1", types.StageApplyChanges)
	End(span, &types.SerializationError{Table: "t", Err: errors.New("bad")})

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "client.SelectChanges", spans[0].Name())
	require.Equal(t, codes.Unset, spans[0].Status().Code)
	require.Equal(t, "server.ApplyChanges", spans[1].Name())
	require.Equal(t, codes.Error, spans[1].Status().Code)
	require.Equal(t, string(types.KindSerialization), spans[1].Status().Description)
}

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "table-sync")
	require.NoError(t, err)
	shutdown()
}
