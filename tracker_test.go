package aicm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aicostmanager/aicm-go/errs"
	"github.com/aicostmanager/aicm-go/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testOverrides builds an overrides map pointing a Tracker at srv and at
// an isolated config/queue path under t.TempDir(), so tests never touch a
// real home directory or share state with each other.
func testOverrides(t *testing.T, srv *httptest.Server, extra map[string]string) map[string]string {
	t.Helper()
	dir := t.TempDir()
	o := map[string]string{
		"API_KEY":     "sk-test",
		"API_BASE":    srv.URL,
		"CONFIG_PATH": filepath.Join(dir, "config.ini"),
	}
	for k, v := range extra {
		o[k] = v
	}
	return o
}

func trackServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/track", handler)
	mux.HandleFunc("/api/v1/triggered-limits", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"triggered_limits": []any{}})
	})
	return httptest.NewServer(mux)
}

// Scenario 1: Immediate happy path.
func TestTracker_Immediate_HappyPath(t *testing.T) {
	var gotBody map[string]any
	var calls int32
	srv := trackServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"response_id": "r1", "status": "queued"}},
		})
	})
	defer srv.Close()

	tr, err := New(testOverrides(t, srv, map[string]string{"DELIVERY_TYPE": "IMMEDIATE"}))
	require.NoError(t, err)
	defer tr.Close(t.Context())

	res, err := tr.Track(t.Context(), "openai::gpt-4o-mini",
		map[string]any{"input_tokens": 10, "output_tokens": 20},
		WithResponseID("r1"))
	require.NoError(t, err)
	assert.Equal(t, "r1", res.ResponseID)
	assert.Equal(t, "queued", res.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	records := gotBody["records"].([]any)
	require.Len(t, records, 1)
	rec := records[0].(map[string]any)
	assert.Equal(t, "r1", rec["response_id"])
	assert.Equal(t, "openai::gpt-4o-mini", rec["service_key"])
}

// Scenario 2: a LIMIT triggered by an earlier response blocks a later
// call to the same scope, but the record is still accepted for delivery.
func TestTracker_LimitTriggeredAfterSend(t *testing.T) {
	var call int32
	srv := trackServer(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&call, 1)
		w.WriteHeader(http.StatusOK)
		if n == 1 {
			json.NewEncoder(w).Encode(map[string]any{
				"results": []map[string]any{{"response_id": "r1", "status": "queued"}},
				"triggered_limits": []map[string]any{{
					"limit_id":       "L1",
					"threshold_type": "LIMIT",
					"api_key_id":     limits.DeriveAPIKeyID("sk-test"),
					"service_key":    "openai::gpt-4o-mini",
				}},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"response_id": "r2", "status": "queued"}},
		})
	})
	defer srv.Close()

	tr, err := New(testOverrides(t, srv, map[string]string{
		"DELIVERY_TYPE":  "IMMEDIATE",
		"LIMITS_ENABLED": "true",
	}))
	require.NoError(t, err)
	defer tr.Close(t.Context())

	_, err = tr.Track(t.Context(), "openai::gpt-4o-mini", map[string]any{"input_tokens": 1}, WithResponseID("r1"))
	require.NoError(t, err)

	res, err := tr.Track(t.Context(), "openai::gpt-4o-mini", map[string]any{"input_tokens": 2}, WithResponseID("r2"))
	require.Error(t, err, "the record must still be accepted even though the call errors")
	require.NotNil(t, res)
	assert.Equal(t, "r2", res.ResponseID, "delivery happened before enforcement ran")

	var limitErr *errs.UsageLimitExceeded
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "L1", limitErr.LimitID)
	require.NotNil(t, res.LimitExceeded)
	assert.Equal(t, "L1", res.LimitExceeded.LimitID)
}

// Scenario 3: 5xx retry then success within one Track call.
func TestTracker_RetriesOn503ThenSucceeds(t *testing.T) {
	var attempts int32
	srv := trackServer(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"response_id": "r1", "status": "queued"}},
		})
	})
	defer srv.Close()

	tr, err := New(testOverrides(t, srv, map[string]string{
		"DELIVERY_TYPE": "IMMEDIATE",
		"MAX_ATTEMPTS":  "3",
	}))
	require.NoError(t, err)
	defer tr.Close(t.Context())

	res, err := tr.Track(t.Context(), "openai::gpt-4o-mini", map[string]any{"input_tokens": 1}, WithResponseID("r1"))
	require.NoError(t, err)
	assert.Equal(t, "queued", res.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

// Scenario 6: a service_key_unknown response is not an error and is
// excluded from limit enforcement.
func TestTracker_ServiceKeyUnknown(t *testing.T) {
	srv := trackServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"response_id": "r1", "status": "service_key_unknown"}},
		})
	})
	defer srv.Close()

	tr, err := New(testOverrides(t, srv, map[string]string{
		"DELIVERY_TYPE":  "IMMEDIATE",
		"LIMITS_ENABLED": "true",
	}))
	require.NoError(t, err)
	defer tr.Close(t.Context())

	res, err := tr.Track(t.Context(), "unknown::x", map[string]any{"a": 1}, WithResponseID("r1"))
	require.NoError(t, err)
	assert.Equal(t, "service_key_unknown", res.Status)
}

// Scenario 4: persistent queue durability across a restart.
func TestTracker_PersistentQueue_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "queue.db")

	// First Tracker: the worker never gets a chance to deliver before
	// Close, simulating a crash by not waiting for delivery and pointing
	// at a server that always fails, then closing immediately.
	downSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	overrides1 := testOverrides(t, downSrv, map[string]string{
		"DELIVERY_TYPE": "PERSISTENT_QUEUE",
		"DB_PATH":       dbPath,
		"MAX_ATTEMPTS":  "1",
		"POLL_INTERVAL": "0.01",
	})
	tr1, err := New(overrides1)
	require.NoError(t, err)

	_, err = tr1.Track(t.Context(), "openai::gpt-4o-mini", map[string]any{"input_tokens": 1}, WithResponseID("r3"))
	require.NoError(t, err, "persistent enqueue never fails the caller")

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	_ = tr1.Close(ctx)
	cancel()
	downSrv.Close()

	var delivered int32
	upSrv := trackServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&delivered, 1)
		var body struct {
			Records []map[string]any `json:"records"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		results := make([]map[string]any, len(body.Records))
		for i, rec := range body.Records {
			results[i] = map[string]any{"response_id": rec["response_id"], "status": "queued"}
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"results": results})
	})
	defer upSrv.Close()

	overrides2 := testOverrides(t, upSrv, map[string]string{
		"DELIVERY_TYPE": "PERSISTENT_QUEUE",
		"DB_PATH":       dbPath,
		"POLL_INTERVAL": "0.01",
	})
	tr2, err := New(overrides2)
	require.NoError(t, err)
	defer tr2.Close(t.Context())

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&delivered) >= 1
	}, 2*time.Second, 10*time.Millisecond, "r3 should eventually be delivered exactly once after restart")
	assert.Equal(t, int32(1), atomic.LoadInt32(&delivered), "r3 delivered exactly once")
}

func TestTracker_ClosedTrackerRejectsCalls(t *testing.T) {
	srv := trackServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{}})
	})
	defer srv.Close()

	tr, err := New(testOverrides(t, srv, nil))
	require.NoError(t, err)
	require.NoError(t, tr.Close(t.Context()))
	require.NoError(t, tr.Close(t.Context()), "Close is idempotent")

	_, err = tr.Track(t.Context(), "svc", map[string]any{"a": 1})
	var closedErr *errs.TrackerClosed
	require.ErrorAs(t, err, &closedErr)
}

func TestTracker_TrackBatch_BuildsOneRecordPerEntry(t *testing.T) {
	var gotCount int
	srv := trackServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Records []map[string]any `json:"records"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotCount = len(body.Records)
		results := make([]map[string]any, len(body.Records))
		for i, rec := range body.Records {
			results[i] = map[string]any{"response_id": rec["response_id"], "status": "queued"}
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"results": results})
	})
	defer srv.Close()

	tr, err := New(testOverrides(t, srv, map[string]string{"DELIVERY_TYPE": "IMMEDIATE"}))
	require.NoError(t, err)
	defer tr.Close(t.Context())

	out, err := tr.TrackBatch(t.Context(), "openai::gpt-4o-mini", []BatchEntry{
		{Usage: map[string]any{"input_tokens": 1}, ResponseID: "b1"},
		{Usage: map[string]any{"input_tokens": 2}, ResponseID: "b2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, gotCount)
	require.Len(t, out.Results, 2)
	assert.Equal(t, "b1", out.Results[0].ResponseID)
	assert.Equal(t, "b2", out.Results[1].ResponseID)
}

func TestTracker_TrackAsync_DeliversAndReports(t *testing.T) {
	srv := trackServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"response_id": "a1", "status": "queued"}},
		})
	})
	defer srv.Close()

	tr, err := New(testOverrides(t, srv, map[string]string{"DELIVERY_TYPE": "IMMEDIATE"}))
	require.NoError(t, err)
	defer tr.Close(t.Context())

	ch := tr.TrackAsync(t.Context(), "openai::gpt-4o-mini", map[string]any{"input_tokens": 1}, WithResponseID("a1"))
	select {
	case res := <-ch:
		require.NoError(t, res.Err)
		assert.Equal(t, "a1", res.Result.ResponseID)
	case <-time.After(2 * time.Second):
		t.Fatal("TrackAsync did not complete in time")
	}
}
