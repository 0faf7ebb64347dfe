package display

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/daviddao/smail/internal/types"
)

func TestAccountLabel(t *testing.T) {
	assert.Equal(t, "example", AccountLabel("alice@example.com"))
	assert.Equal(t, "localhost", AccountLabel("root@localhost"))
	assert.Equal(t, "no-at", AccountLabel("no-at"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
	assert.Equal(t, "héllo w...", Truncate("héllo wörld again", 10))
}

func TestTimeAgo(t *testing.T) {
	assert.Equal(t, "never", TimeAgo(time.Time{}))
	assert.Equal(t, "just now", TimeAgo(time.Now()))
	assert.Equal(t, "5m ago", TimeAgo(time.Now().Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "3h ago", TimeAgo(time.Now().Add(-3*time.Hour-time.Second)))
	assert.Equal(t, "2d ago", TimeAgo(time.Now().Add(-49*time.Hour)))
}

func TestThreats(t *testing.T) {
	var buf bytes.Buffer
	Threats(&buf, []types.ScanRecord{
		{MessageID: "m1", Sender: "billing@paypa1.example", Subject: "Verify now",
			Verdict: types.VerdictPhishing, Confidence: 92, Reason: "lookalike domain", ScannedAt: time.Now()},
		{MessageID: "m2", Verdict: types.VerdictPhishing, Confidence: 75, ScannedAt: time.Now()},
	})

	out := buf.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, out, "billing@paypa1.example")
	assert.Contains(t, out, "lookalike domain")
	assert.Contains(t, out, "(no subject)")
	assert.Contains(t, out, "PHISHING")
}
