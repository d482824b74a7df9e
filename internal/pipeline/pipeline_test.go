package pipeline

import (
	"context"
	"testing"

	"github.com/scttfrdmn/s3cacheproxy/internal/envelope"
	"github.com/scttfrdmn/s3cacheproxy/internal/middleware"
)

func TestBuildOrdersMiddlewareOutermostFirst(t *testing.T) {
	var trace []string
	tag := func(name string) middleware.Middleware {
		return middleware.Func(func(ctx context.Context, req *envelope.RequestEnvelope, next middleware.Next) (*envelope.ResponseEnvelope, error) {
			trace = append(trace, name+":before")
			resp, err := next(ctx, req)
			trace = append(trace, name+":after")
			return resp, err
		})
	}

	terminal := func(req *envelope.RequestEnvelope) (*envelope.ResponseEnvelope, error) {
		trace = append(trace, "terminal")
		return &envelope.ResponseEnvelope{StatusCode: 200, Header: envelope.NewHeader()}, nil
	}

	h := Build(terminal, tag("outer"), tag("inner"))
	req := &envelope.RequestEnvelope{Header: envelope.NewHeader()}
	resp, err := h.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	want := []string{"outer:before", "inner:before", "terminal", "inner:after", "outer:after"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}
