package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newMiddlewareHarness wires a Middleware around the given handler with an
// in-memory span exporter and a manual metric reader, and restores the global
// tracer provider afterwards.
func newMiddlewareHarness(t *testing.T, h http.HandlerFunc) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	return Middleware(m)(h), reader, exp
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_CorrelationID(t *testing.T) {
	var inHandler string
	h, _, _ := newMiddlewareHarness(t, func(w http.ResponseWriter, r *http.Request) {
		inHandler = CorrelationID(r.Context())
		w.WriteHeader(http.StatusSwitchingProtocols)
	})

	rec := serve(h, httptest.NewRequest("GET", "/ws", nil))

	if inHandler == "" {
		t.Fatal("handler saw no correlation ID")
	}
	if len(inHandler) != 32 {
		t.Errorf("correlation ID length = %d, want 32 (a trace ID)", len(inHandler))
	}
	if hdr := rec.Header().Get("X-Correlation-ID"); hdr != inHandler {
		t.Errorf("header X-Correlation-ID = %q, handler saw %q", hdr, inHandler)
	}
}

func TestMiddleware_SpanPerRequest(t *testing.T) {
	h, _, exp := newMiddlewareHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	serve(h, httptest.NewRequest("GET", "/status", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans recorded: got %d, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /status" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "HTTP GET /status")
	}
}

func TestMiddleware_ErrorStatusOnSpan(t *testing.T) {
	h, _, exp := newMiddlewareHarness(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "tablet sent garbage", http.StatusBadRequest)
	})

	rec := serve(h, httptest.NewRequest("POST", "/ws", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans recorded: got %d, want 1", len(spans))
	}
	var status int64 = -1
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != 400 {
		t.Errorf("span status code attribute = %d, want 400", status)
	}
}

func TestMiddleware_DurationHistogram(t *testing.T) {
	h, reader, _ := newMiddlewareHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	serve(h, httptest.NewRequest("GET", "/status", nil))
	serve(h, httptest.NewRequest("GET", "/status", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "http.server.request.duration")
	if met == nil {
		t.Fatal("http.server.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data type = %T, want Histogram[float64]", met.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("attribute sets: got %d, want 1", len(hist.DataPoints))
	}

	dp := hist.DataPoints[0]
	if dp.Count != 2 {
		t.Errorf("sample count = %d, want 2", dp.Count)
	}
	got := map[string]string{}
	for _, kv := range dp.Attributes.ToSlice() {
		got[string(kv.Key)] = kv.Value.AsString()
	}
	if got["method"] != "GET" || got["path"] != "/status" {
		t.Errorf("attributes = %v, want method=GET path=/status", got)
	}
}

func TestMiddleware_JoinsIncomingTrace(t *testing.T) {
	const upstream = "4bf92f3577b34da6a3ce929d0e0e4736"

	var inHandler string
	h, _, _ := newMiddlewareHarness(t, func(w http.ResponseWriter, r *http.Request) {
		inHandler = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("traceparent", "00-"+upstream+"-00f067aa0ba902b7-01")
	rec := serve(h, req)

	if inHandler != upstream {
		t.Errorf("correlation ID = %q, want upstream trace %q", inHandler, upstream)
	}
	if hdr := rec.Header().Get("X-Correlation-ID"); hdr != upstream {
		t.Errorf("header X-Correlation-ID = %q, want %q", hdr, upstream)
	}
}
