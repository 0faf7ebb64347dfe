package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordScanPass(t *testing.T) {
	before := testutil.ToFloat64(ScanPassesTotal.WithLabelValues("ok"))
	RecordScanPass("ok", 120*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(ScanPassesTotal.WithLabelValues("ok")))
}

func TestCounters(t *testing.T) {
	q := testutil.ToFloat64(QuarantineTotal.WithLabelValues("abandoned"))
	IncrementQuarantine("abandoned")
	assert.Equal(t, q+1, testutil.ToFloat64(QuarantineTotal.WithLabelValues("abandoned")))

	n := testutil.ToFloat64(NotificationsDelivered.WithLabelValues("poll"))
	AddNotifications("poll", 0)
	AddNotifications("poll", 3)
	assert.Equal(t, n+3, testutil.ToFloat64(NotificationsDelivered.WithLabelValues("poll")))

	s := testutil.ToFloat64(MessagesScanned.WithLabelValues("phishing"))
	IncrementScanned("phishing")
	assert.Equal(t, s+1, testutil.ToFloat64(MessagesScanned.WithLabelValues("phishing")))
}
