package publish

import (
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newMockAsyncProducer(t *testing.T) (*mocks.AsyncProducer, *AsyncProducer, *observer.ObservedLogs) {
	t.Helper()
	cfg := DefaultConfig()
	mock := mocks.NewAsyncProducer(t, cfg.SaramaConfig("catlock-tx-1"))
	core, logs := observer.New(zap.DebugLevel)
	return mock, NewAsyncProducer(mock, "catlock-tx-1", zap.New(core)), logs
}

func TestAsyncProducer_SendOutsideTransactionIsRejected(t *testing.T) {
	_, p, _ := newMockAsyncProducer(t)

	err := p.Send(&sarama.ProducerMessage{Topic: "t", Value: sarama.StringEncoder("x")})
	if !errors.Is(err, ErrNotInTransaction) {
		t.Fatalf("expected ErrNotInTransaction, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestAsyncProducer_SendDoesNotWaitForDelivery(t *testing.T) {
	mock, p, logs := newMockAsyncProducer(t)
	refused := errors.New("record too large")
	mock.ExpectInputAndSucceed()
	mock.ExpectInputAndFail(refused)

	if err := p.BeginTxn(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	// A broker-side failure is not reported by Send.
	for _, v := range []string{"ok", "too-large"} {
		if err := p.Send(&sarama.ProducerMessage{Topic: "catalog", Value: sarama.StringEncoder(v)}); err != nil {
			t.Fatalf("send %s: %v", v, err)
		}
	}
	if err := p.CommitTxn(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if n := logs.FilterMessage("event delivered").Len(); n != 1 {
		t.Errorf("expected 1 delivery report, got %d", n)
	}
	failed := logs.FilterMessage("event delivery failed").All()
	if len(failed) != 1 {
		t.Fatalf("expected 1 failure report, got %d", len(failed))
	}
	if failed[0].ContextMap()["session"] != "catlock-tx-1" {
		t.Errorf("failure report fields = %v", failed[0].ContextMap())
	}
}
