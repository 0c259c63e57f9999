package observability

import (
	"testing"
	"time"

	"github.com/danmuck/uspagent/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/health", 200, 12*time.Millisecond)
	RecordMessageReceived("loopback", "Get")
	RecordResponse("Get", "ok", 3*time.Millisecond)
	RecordNotification("ValueChange", true)
	RecordRetransmission("notification")
	RecordExhausted("request")
	RecordReassemblyTimeout()
	RecordOverload()

	before := testutil.ToFloat64(duplicateRequests)
	RecordDuplicate()
	if got := testutil.ToFloat64(duplicateRequests); got != before+1 {
		t.Fatalf("duplicate counter got=%v want=%v", got, before+1)
	}
}
