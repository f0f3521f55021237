package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/authcore/internal/events"
)

func TestSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := New(reg, func() int64 { return 3 })

	sink.Handle(t.Context(), events.New(events.RateLimited, "action", "login"))
	sink.Handle(t.Context(), events.New(events.RateLimited, "action", "login"))
	sink.Handle(t.Context(), events.New(events.ApiKeyValidated))
	sink.Handle(t.Context(), events.New(events.ApiKeyRejected))
	sink.Handle(t.Context(), events.New(events.AuthResult, "operation", "login", "result", "authorized"))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.rateLimited.WithLabelValues("login")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.apiKeys.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.apiKeys.WithLabelValues("rejected")))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.events.WithLabelValues(string(events.RateLimited))))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.authResults.WithLabelValues("login", "authorized")))

	expected := `
# HELP authcore_events_dropped_total Events dropped because the bus buffer was full.
# TYPE authcore_events_dropped_total counter
authcore_events_dropped_total 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "authcore_events_dropped_total"))
}
