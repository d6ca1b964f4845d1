package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init("engage-test", &buf, nil)
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "unit.span")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "unit.span") {
		t.Fatalf("expected span in export, got %q", buf.String())
	}
}
