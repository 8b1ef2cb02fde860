//go:build !integration

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestRedact(t *testing.T) {
	t.Run("should mask long digit runs outside dev", func(t *testing.T) {
		got := Redact("card 8600123412341234 otp 123456", false)
		if got != "card ************1234 otp **3456" {
			t.Errorf("unexpected redaction %q", got)
		}
	})

	t.Run("should keep text in dev", func(t *testing.T) {
		if got := Redact("8600123412341234", true); got != "8600123412341234" {
			t.Errorf("expected unchanged, got %q", got)
		}
	})
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	ctx := WithTransactionID(WithUserID(WithTraceID(context.Background(), "t-1"), "u-1"), "tx-1")

	With(ctx, &base).Info().Msg("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("invalid json log line: %v", err)
	}
	if line["trace_id"] != "t-1" || line["user_id"] != "u-1" || line["transaction_id"] != "tx-1" {
		t.Errorf("expected context fields, got %v", line)
	}
	if TraceIDFrom(ctx) != "t-1" {
		t.Error("expected TraceIDFrom to read the trace id")
	}
}
