package sigv4

import (
	"context"
	"testing"
	"time"

	"github.com/scttfrdmn/s3cacheproxy/internal/envelope"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRewriteThenValidateRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	creds := Credentials{AccessKeyID: "AKIDEXAMPLE", SecretAccessKey: "secretkey"}

	rw := NewRewriter(creds, "s3", "us-east-1")
	rw.Now = fixedClock(now)

	req := &envelope.RequestEnvelope{
		Context: context.Background(),
		Method:  "GET",
		Host:    "mybucket.s3.amazonaws.com",
		Path:    "/key",
		Header:  envelope.NewHeader(),
	}
	if err := rw.Rewrite(req); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if req.Header.Get("Authorization") == "" {
		t.Fatal("expected Authorization header after rewrite")
	}

	val := NewValidator(creds, "s3", "us-east-1")
	val.Now = fixedClock(now)
	if err := val.Validate(req); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateTamperedSignatureFails(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	creds := Credentials{AccessKeyID: "AKIDEXAMPLE", SecretAccessKey: "secretkey"}

	rw := NewRewriter(creds, "s3", "us-east-1")
	rw.Now = fixedClock(now)
	req := &envelope.RequestEnvelope{
		Context: context.Background(),
		Method:  "GET",
		Host:    "mybucket.s3.amazonaws.com",
		Path:    "/key",
		Header:  envelope.NewHeader(),
	}
	if err := rw.Rewrite(req); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	// Tamper with the request after signing.
	req.Path = "/other-key"

	val := NewValidator(creds, "s3", "us-east-1")
	val.Now = fixedClock(now)
	if err := val.Validate(req); err == nil {
		t.Fatal("expected signature mismatch after tampering")
	}
}

func TestValidateDisabledWhenCredentialsAbsent(t *testing.T) {
	val := NewValidator(Credentials{}, "s3", "us-east-1")
	req := &envelope.RequestEnvelope{Context: context.Background(), Header: envelope.NewHeader()}
	if err := val.Validate(req); err != nil {
		t.Fatalf("expected nil error when validation disabled, got %v", err)
	}
}

func TestValidateExpiredClockSkewRejected(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	creds := Credentials{AccessKeyID: "AKIDEXAMPLE", SecretAccessKey: "secretkey"}
	rw := NewRewriter(creds, "s3", "us-east-1")
	rw.Now = fixedClock(now)
	req := &envelope.RequestEnvelope{
		Context: context.Background(),
		Method:  "GET",
		Host:    "mybucket.s3.amazonaws.com",
		Path:    "/key",
		Header:  envelope.NewHeader(),
	}
	if err := rw.Rewrite(req); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	val := NewValidator(creds, "s3", "us-east-1")
	val.Now = fixedClock(now.Add(20 * time.Minute))
	if err := val.Validate(req); err == nil {
		t.Fatal("expected expired-signature error")
	}
}
