package nats

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/doc-intake/internal/core/domain"
)

func TestTaskCodecRoundTrip(t *testing.T) {
	in := domain.StageTask{ItemID: "item-1", TenantID: "t1", Stage: domain.StageOCR}
	data, err := EncodeTask(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeTask(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("expected %+v, got %+v", in, out)
	}
}

func TestDecodeTaskRejectsIncompleteTask(t *testing.T) {
	for _, raw := range []string{`not json`, `{"item_id":"x"}`, `{"stage":"ocr"}`} {
		if _, err := DecodeTask([]byte(raw)); !domain.IsKind(err, domain.ErrInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", raw, err)
		}
	}
}

func TestSubjectPerStage(t *testing.T) {
	if got := Subject("docintake.stage", domain.StageNormalize); got != "docintake.stage.normalize" {
		t.Fatalf("unexpected subject %q", got)
	}
}

func TestClassifyNATSError(t *testing.T) {
	if c := classifyNATSError(fmt.Errorf("publish: %w", nats.ErrNoServers)); !c.Retryable || !c.RecordFailure {
		t.Fatalf("no servers should be retryable and recorded: %+v", c)
	}
	if c := classifyNATSError(context.Canceled); c.Retryable || c.RecordFailure {
		t.Fatalf("cancellation must be ignored: %+v", c)
	}
	if c := classifyNATSError(nats.ErrBadSubject); c.Retryable {
		t.Fatalf("bad subject must not be retried: %+v", c)
	}
}

func TestWrapTemporaryIfNeeded(t *testing.T) {
	err := wrapTemporaryIfNeeded(nats.ErrTimeout)
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary, got %v", err)
	}
	plain := errors.New("boom")
	if got := wrapTemporaryIfNeeded(plain); got != plain {
		t.Fatalf("non retryable errors must pass through, got %v", got)
	}
}
