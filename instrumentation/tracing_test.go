package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpanHelpers(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "ok")
	AddOAuthFlowAttributes(span, "c1", "", "openid")
	AddGrantStateAttribute(span, "issued")
	SetSpanSuccess(span)
	span.End()

	_, span = tracer.Start(context.Background(), "failed")
	RecordError(span, errors.New("boom"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(ended))
	}

	ok := ended[0]
	if ok.Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", ok.Status().Code)
	}
	attrs := map[string]string{}
	for _, kv := range ok.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs[AttrClientID] != "c1" || attrs[AttrScope] != "openid" || attrs[AttrGrantState] != "issued" {
		t.Errorf("attributes = %v", attrs)
	}
	if _, has := attrs[AttrSubject]; has {
		t.Error("empty subject should not be set")
	}

	failed := ended[1]
	if failed.Status().Code != codes.Error || failed.Status().Description != "boom" {
		t.Errorf("status = %+v, want Error boom", failed.Status())
	}
	if len(failed.Events()) == 0 {
		t.Error("RecordError should add an exception event")
	}
}

func TestSpanHelpers_NilSafe(t *testing.T) {
	RecordError(nil, errors.New("x"))
	SetSpanSuccess(nil)
	SetSpanError(nil, "x")
	SetSpanAttributes(nil)
}
