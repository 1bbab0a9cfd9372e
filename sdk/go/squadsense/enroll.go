package squadsense

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Credentials is the result of a pod enrollment exchange.
type Credentials struct {
	AccessToken  string
	ExpiresIn    int // seconds
	SampleRateHz int // the pod's configured sampling rate
}

type credEntry struct {
	creds     Credentials
	expiresAt time.Time
}

var (
	credMu    sync.Mutex
	credCache = map[string]credEntry{}
)

// Enroll exchanges a pod serial + org enrollment key for a short-lived access
// token from the sessions API. Tokens are cached per serial and re-used until
// an hour before expiry, so bridges restarting their emitter do not hammer
// the token endpoint.
//
//	creds, err := squadsense.Enroll("http://sessions.local:8083", "4417", enrollKey)
//	emitter := squadsense.NewEmitter(squadsense.WithToken(creds.AccessToken))
func Enroll(sessionsURL, podSerial, enrollmentKey string) (Credentials, error) {
	cacheKey := podSerial + "\x00" + enrollmentKey

	credMu.Lock()
	if e, ok := credCache[cacheKey]; ok && time.Now().Before(e.expiresAt) {
		credMu.Unlock()
		return e.creds, nil
	}
	credMu.Unlock()

	body, _ := json.Marshal(map[string]string{
		"pod_serial":     podSerial,
		"enrollment_key": enrollmentKey,
	})
	u := strings.TrimRight(sessionsURL, "/") + "/v1/token"
	req, err := http.NewRequest(http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("enroll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		b, _ := io.ReadAll(resp.Body)
		return Credentials{}, fmt.Errorf("enroll HTTP %d: %s", resp.StatusCode, b)
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		ExpiresIn    int    `json:"expires_in"`
		SampleRateHz int    `json:"sample_rate_hz"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Credentials{}, err
	}
	ttl := out.ExpiresIn
	if ttl <= 0 {
		ttl = 3600
	}

	creds := Credentials{
		AccessToken:  out.AccessToken,
		ExpiresIn:    ttl,
		SampleRateHz: out.SampleRateHz,
	}
	credMu.Lock()
	credCache[cacheKey] = credEntry{
		creds:     creds,
		expiresAt: time.Now().Add(time.Duration(ttl)*time.Second - time.Hour),
	}
	credMu.Unlock()
	return creds, nil
}
