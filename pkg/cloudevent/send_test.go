package cloudevent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSend_HeadersAndSignature(t *testing.T) {
	t.Parallel()

	type received struct {
		header http.Header
		body   []byte
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ev := New("fablab.serviceUp", "/fablab/lab-1", "m1", "", map[string]string{"machineId": "m1"})
	if ev.ID == "" {
		t.Fatal("expected generated id")
	}

	if err := NewSender(time.Second).Send(context.Background(), srv.URL, ev, "secret"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	r := <-got
	if r.header.Get("Ce-Type") != "fablab.serviceUp" {
		t.Errorf("Ce-Type = %q", r.header.Get("Ce-Type"))
	}
	if r.header.Get("Ce-Subject") != "m1" {
		t.Errorf("Ce-Subject = %q", r.header.Get("Ce-Subject"))
	}
	if !Verify(r.body, "secret", r.header.Get(SignatureHeader)) {
		t.Error("signature does not verify")
	}

	var decoded CloudEvent
	if err := json.Unmarshal(r.body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.SpecVersion != SpecVersion || decoded.Source != "/fablab/lab-1" {
		t.Errorf("unexpected envelope %+v", decoded)
	}
}

func TestSend_ErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := NewSender(time.Second).Send(context.Background(), srv.URL, New("t", "s", "", "id", nil), "")
	if !IsClientError(err) {
		t.Fatalf("expected client error, got %v", err)
	}
	if !strings.Contains(err.Error(), "nope") {
		t.Errorf("expected body snippet in error, got %q", err.Error())
	}
}

func TestIsClientError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"400", &HTTPError{StatusCode: 400}, true},
		{"499 boundary", &HTTPError{StatusCode: 499}, true},
		{"500", &HTTPError{StatusCode: 500}, false},
		{"399", &HTTPError{StatusCode: 399}, false},
		{"wrapped 404", fmt.Errorf("deliver: %w", &HTTPError{StatusCode: 404}), true},
		{"non-HTTP error", context.DeadlineExceeded, false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsClientError(tt.err); got != tt.expected {
				t.Errorf("IsClientError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestSign(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"test":"data"}`)

	signature := Sign(payload, "secret-key")
	if !strings.HasPrefix(signature, "sha256=") || len(signature) != 7+64 {
		t.Errorf("unexpected signature format %q", signature)
	}
	if signature != Sign(payload, "secret-key") {
		t.Error("signature should be deterministic")
	}
	if Verify(payload, "different-key", signature) {
		t.Error("different keys should not verify")
	}
}
