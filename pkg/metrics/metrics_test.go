package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	assert.Same(t, DefaultRegistry(), DefaultRegistry())
}

func TestCommandLifecycle(t *testing.T) {
	r := NewRegistry()

	r.CommandStarted("ping")
	r.CommandStarted("ping")
	assert.Equal(t, 2.0, testutil.ToFloat64(r.CommandsPending))

	r.CommandFinished("ping", 20*time.Millisecond)
	r.RecordResult(OutcomeSuccess)
	r.RecordResult(OutcomeTimeout)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.CommandsPending))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.CommandsExecutedTotal.WithLabelValues("ping")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.CommandResultsTotal.WithLabelValues(OutcomeTimeout)))
}

func TestRecordHandled(t *testing.T) {
	r := NewRegistry()
	r.RecordHandled("config", nil)
	r.RecordHandled("config", errors.New("boom"))
	r.RecordDropped("config", ReasonNoHandler)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.MessagesHandledTotal.WithLabelValues("config", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.MessagesHandledTotal.WithLabelValues("config", OutcomeFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.MessagesDroppedTotal.WithLabelValues("config", ReasonNoHandler)))
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.RecordProduced("config", "event")
		r.RecordBlocked("config", ReasonPolicy)
		r.CommandStarted("ping")
		r.CommandFinished("ping", time.Second)
		r.RecordSync("config", SyncOK, time.Second)
		r.RecordSendError("grpc")
		r.SetQueueDepth(3)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := NewRegistry()
	r.RecordProduced("config", "event")
	r.RecordSync("config", SyncPullFailed, time.Millisecond)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	assert.True(t, strings.Contains(out, `gocellar_messages_produced_total{kind="config",type="event"} 1`))
	assert.True(t, strings.Contains(out, `gocellar_sync_total{outcome="pull_failed",synchronizer="config"} 1`))
}
