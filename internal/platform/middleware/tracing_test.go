package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/dental/clinic/internal/platform/auth"
	"github.com/dental/clinic/internal/platform/telemetry"
)

const (
	callerTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	callerSpanID  = "00f067aa0ba902b7"
)

func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	exp := tracetest.NewInMemoryExporter()
	tp, err := telemetry.InitTracing(context.Background(),
		telemetry.TracingConfig{ServiceName: "clinic-test", SamplingRate: 1}, sdktrace.WithSyncer(exp))
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	t.Cleanup(func() {
		_ = telemetry.ShutdownTracing(tp)
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return exp
}

func spanNamed(spans tracetest.SpanStubs, name string) *tracetest.SpanStub {
	for i := range spans {
		if spans[i].Name == name {
			return &spans[i]
		}
	}
	return nil
}

func TestTracing_ContinuesCallerTrace(t *testing.T) {
	exp := recordSpans(t)

	e := echo.New()
	e.Use(RequestID(), Tracing())
	e.GET("/api/v1/appointment-requests/:requestId", func(c echo.Context) error {
		_, span := telemetry.StartSpan(c.Request().Context(), "request.get")
		telemetry.EndSpan(span, nil)
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointment-requests/REQ-2025-00001", nil)
	req.Header.Set("traceparent", "00-"+callerTraceID+"-"+callerSpanID+"-01")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get(TraceIDHeader); got != callerTraceID {
		t.Errorf("expected trace id header %s, got %q", callerTraceID, got)
	}

	spans := exp.GetSpans()
	server := spanNamed(spans, "GET /api/v1/appointment-requests/:requestId")
	if server == nil {
		t.Fatalf("expected server span named by route, got %d spans", len(spans))
	}
	if server.SpanKind != trace.SpanKindServer {
		t.Errorf("expected server span kind, got %v", server.SpanKind)
	}
	if server.SpanContext.TraceID().String() != callerTraceID || server.Parent.SpanID().String() != callerSpanID {
		t.Errorf("server span not parented on caller: trace=%s parent=%s",
			server.SpanContext.TraceID(), server.Parent.SpanID())
	}
	child := spanNamed(spans, "request.get")
	if child == nil || child.Parent.SpanID() != server.SpanContext.SpanID() {
		t.Error("expected service span parented on the server span")
	}
}

func TestTracing_MarksServerErrors(t *testing.T) {
	exp := recordSpans(t)

	e := echo.New()
	e.Use(Tracing())
	e.POST("/api/v1/appointment-requests/:requestId/transitions", func(c echo.Context) error {
		return errors.New("database unavailable")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/appointment-requests/REQ-2025-00001/transitions", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("expected error status, got %+v", spans[0].Status)
	}
}

func TestLogger_IncludesTraceAndUser(t *testing.T) {
	recordSpans(t)

	var buf bytes.Buffer
	e := echo.New()
	e.Use(Logger(zerolog.New(&buf)), RequestID(), Tracing(), func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			c.SetRequest(r.WithContext(auth.WithUser(r.Context(), "user-9", []string{auth.RoleStaff})))
			return next(c)
		}
	})
	e.GET("/health", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("traceparent", "00-"+callerTraceID+"-"+callerSpanID+"-01")
	e.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["trace_id"] != callerTraceID {
		t.Errorf("expected trace_id %s, got %v", callerTraceID, line["trace_id"])
	}
	if line["user_id"] != "user-9" {
		t.Errorf("expected user set by inner middleware, got %v", line["user_id"])
	}
}
