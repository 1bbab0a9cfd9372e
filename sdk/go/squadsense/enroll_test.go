package squadsense

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func enrollServer(t *testing.T, calls *int, mu *sync.Mutex) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		*calls++
		mu.Unlock()

		var req struct {
			PodSerial     string `json:"pod_serial"`
			EnrollmentKey string `json:"enrollment_key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PodSerial == "" || req.EnrollmentKey == "" {
			t.Errorf("bad enroll request: %+v err=%v", req, err)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":   "tok-" + req.PodSerial,
			"token_type":     "bearer",
			"expires_in":     86400,
			"sample_rate_hz": 50,
		})
	}))
}

func TestEnrollExchange(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := enrollServer(t, &calls, &mu)
	defer srv.Close()

	creds, err := Enroll(srv.URL, "5501", "sqp_live_abc")
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if creds.AccessToken != "tok-5501" {
		t.Errorf("token: got %q", creds.AccessToken)
	}
	if creds.SampleRateHz != 50 {
		t.Errorf("sample rate: got %d, want 50", creds.SampleRateHz)
	}
	if creds.ExpiresIn != 86400 {
		t.Errorf("expires_in: got %d, want 86400", creds.ExpiresIn)
	}
}

func TestEnrollCachesToken(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := enrollServer(t, &calls, &mu)
	defer srv.Close()

	for i := 0; i < 3; i++ {
		if _, err := Enroll(srv.URL, "5502", "sqp_live_abc"); err != nil {
			t.Fatalf("enroll %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("token endpoint calls: got %d, want 1 (cached)", calls)
	}
}

func TestEnrollRejectedKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized: unknown enrollment key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	if _, err := Enroll(srv.URL, "5503", "sqp_live_bad"); err == nil {
		t.Fatal("expected error on 401")
	}
}
