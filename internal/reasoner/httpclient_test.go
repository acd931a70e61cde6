package reasoner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPClientCompleteRoundTrips(t *testing.T) {
	var gotReq completeRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatal(err)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(completeResponse{Content: "UNFIXABLE"})
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL, "secret", "test-model")
	reply, err := c.Complete(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "UNFIXABLE" {
		t.Errorf("reply = %q", reply)
	}
	if gotReq.System != "system prompt" || gotReq.Prompt != "user prompt" || gotReq.Model != "test-model" {
		t.Errorf("got request %+v", gotReq)
	}
}

func TestHTTPClientCompleteErrorsOnNonOKStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL, "", "test-model")
	if _, err := c.Complete(context.Background(), "s", "p"); err == nil {
		t.Fatal("expected an error on 500 response")
	}
}
