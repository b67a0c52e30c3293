package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordMessagesRead_IgnoresNonPositive(t *testing.T) {
	before := testutil.ToFloat64(MessagesReadTotal)

	RecordMessagesRead(0)
	RecordMessagesRead(-3)
	if got := testutil.ToFloat64(MessagesReadTotal); got != before {
		t.Fatalf("counter moved on non-positive input: before=%v after=%v", before, got)
	}

	RecordMessagesRead(2)
	if got := testutil.ToFloat64(MessagesReadTotal); got != before+2 {
		t.Fatalf("counter=%v want %v", got, before+2)
	}
}

func TestWSConnectionsGauge(t *testing.T) {
	before := testutil.ToFloat64(WSConnectionsActive)

	IncrementWSConnections()
	IncrementWSConnections()
	DecrementWSConnections()

	if got := testutil.ToFloat64(WSConnectionsActive); got != before+1 {
		t.Fatalf("gauge=%v want %v", got, before+1)
	}
	DecrementWSConnections()
}

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/conversations", "200", 0.01)
	if got := testutil.ToFloat64(RequestsTotal.WithLabelValues("GET", "/conversations", "200")); got < 1 {
		t.Fatalf("requests_total=%v want >= 1", got)
	}
}
