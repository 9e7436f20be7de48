package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeAdmitter struct {
	answer string
	err    error
	gotSDP string
}

func (a *fakeAdmitter) Admit(ctx context.Context, offerSDP string) (string, error) {
	a.gotSDP = offerSDP
	return a.answer, a.err
}

type fakeStatus struct{ snapshot any }

func (s fakeStatus) Status() any { return s.snapshot }

func TestServer_OfferAnswer(t *testing.T) {
	t.Parallel()

	admit := &fakeAdmitter{answer: "v=0 answer"}
	srv := NewServer(Config{Admit: admit})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/offer",
		strings.NewReader(`{"type":"offer","sdp":"v=0 offer"}`))
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if admit.gotSDP != "v=0 offer" {
		t.Errorf("admitter saw sdp %q", admit.gotSDP)
	}

	var resp struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding answer: %v", err)
	}
	if resp.Type != "answer" || resp.SDP != "v=0 answer" {
		t.Errorf("answer = %+v", resp)
	}
}

func TestServer_OfferValidation(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{Admit: &fakeAdmitter{}})

	cases := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, "{", http.StatusBadRequest},
		{"wrong type", http.MethodPost, `{"type":"answer","sdp":"x"}`, http.StatusBadRequest},
		{"empty sdp", http.MethodPost, `{"type":"offer","sdp":""}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(tc.method, "/offer", strings.NewReader(tc.body))
			srv.Handler().ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestServer_AdmissionFailureIs500(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{Admit: &fakeAdmitter{err: errors.New("ice failed")}})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/offer",
		strings.NewReader(`{"type":"offer","sdp":"v=0"}`))
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp["error"] == "" {
		t.Errorf("body = %s, want {error}", rec.Body)
	}
}

func TestServer_Status(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{
		Admit:  &fakeAdmitter{},
		Status: fakeStatus{snapshot: map[string]int{"peers": 3}},
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snapshot map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil || snapshot["peers"] != 3 {
		t.Errorf("snapshot = %s", rec.Body)
	}
}
