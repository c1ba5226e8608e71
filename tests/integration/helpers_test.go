//go:build integration

package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bissquit/courtside-push/internal/testutil"
	"github.com/stretchr/testify/require"
)

// fakeExpo imitates the Expo push API. Tokens listed in unregistered get a
// DeviceNotRegistered ticket; while down is set every request fails with 503.
type fakeExpo struct {
	*httptest.Server

	mu           sync.Mutex
	received     []string
	unregistered map[string]bool
	down         atomic.Bool
}

func newFakeExpo() *fakeExpo {
	f := &fakeExpo{unregistered: make(map[string]bool)}
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		if f.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/push/send", f.handleSend)
	f.Server = httptest.NewServer(mux)
	return f
}

func (f *fakeExpo) handleSend(w http.ResponseWriter, r *http.Request) {
	if f.down.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	var messages []struct {
		To string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&messages); err != nil || len(messages) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	to := messages[0].To

	f.mu.Lock()
	gone := f.unregistered[to]
	if !gone {
		f.received = append(f.received, to)
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if gone {
		_, _ = fmt.Fprint(w, `{"data":[{"status":"error","message":"not registered","details":{"error":"DeviceNotRegistered"}}]}`)
		return
	}
	_, _ = fmt.Fprint(w, `{"data":[{"status":"ok","id":"ticket-1"}]}`)
}

func (f *fakeExpo) unregister(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered[token] = true
}

func (f *fakeExpo) count(token string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, to := range f.received {
		if to == token {
			n++
		}
	}
	return n
}

var tokenSeq atomic.Int64

// api returns the admin client with response checking against the OpenAPI
// document bound to t.
func api(t *testing.T) *testutil.Client {
	return testClient.Validated(t, testSchema)
}

// expoToken builds a unique, well-formed Expo token for a test.
func expoToken(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("ExponentPushToken[%s-%d-%d]", t.Name(), time.Now().UnixNano(), tokenSeq.Add(1))
}

func registerToken(t *testing.T, userID, token string) {
	t.Helper()
	resp, err := api(t).POST("/api/v1/tokens", map[string]any{
		"user_id": userID,
		"token":   token,
		"device":  map[string]any{"platform": "ios", "app_version": "1.0.0"},
	})
	require.NoError(t, err)
	testutil.DecodeData(t, resp, http.StatusCreated, nil)
}

type sendResult struct {
	JobID     string `json:"job_id"`
	Delivered bool   `json:"delivered"`
	Queued    bool   `json:"queued"`
}

func sendNotification(t *testing.T, userID string, wantStatus int) sendResult {
	t.Helper()
	resp, err := api(t).POST("/api/v1/notifications", map[string]any{
		"type":    "round_started",
		"user_id": userID,
		"title":   "Round 2",
		"body":    "Court 3 is ready",
		"data":    map[string]any{"round": 2},
	})
	require.NoError(t, err)
	var result sendResult
	testutil.DecodeData(t, resp, wantStatus, &result)
	return result
}

// waitOnline blocks until the connectivity prober reports the wanted state.
func waitOnline(t *testing.T, online bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		return testApp.Connectivity().Online() == online
	}, 5*time.Second, 20*time.Millisecond)
}

type queueStatus struct {
	Total            int  `json:"total"`
	NetworkAvailable bool `json:"network_available"`
}

func getQueueStatus(t *testing.T) queueStatus {
	t.Helper()
	resp, err := api(t).GET("/api/v1/queue")
	require.NoError(t, err)
	var status queueStatus
	testutil.DecodeData(t, resp, http.StatusOK, &status)
	return status
}

// setExpoReachable toggles the fake push API and waits until the queue has
// observed the change.
func setExpoReachable(t *testing.T, reachable bool) {
	t.Helper()
	testExpo.down.Store(!reachable)
	waitOnline(t, reachable)
	require.Eventually(t, func() bool {
		return getQueueStatus(t).NetworkAvailable == reachable
	}, 5*time.Second, 20*time.Millisecond)
}
