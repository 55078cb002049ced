package toolrunner

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/agentmaestro/agentmaestro/internal/toolflow"
)

func TestExecuteSignsRequestAndParsesResponse(t *testing.T) {
	secret := []byte("shared-secret")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		timestamp := r.Header.Get("X-AM-Timestamp")
		signature := r.Header.Get("X-AM-Signature")
		if timestamp == "" || signature == "" {
			t.Fatal("expected timestamp and signature headers")
		}

		message := append([]byte(timestamp+"."), body...)
		mac := hmac.New(sha256.New, secret)
		mac.Write(message)
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(expected), []byte(signature)) {
			t.Fatalf("signature mismatch: got %s want %s", signature, expected)
		}

		exitCode := 0
		resp := toolflow.ToolRunnerResponse{RequestID: "req-1", Status: "COMPLETED", ExitCode: &exitCode, Stdout: "done"}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Secret: secret}
	resp, err := c.Execute(context.Background(), toolflow.ToolRunnerRequest{RequestID: "req-1", ToolName: "shell"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Status != "COMPLETED" || resp.Stdout != "done" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestExecuteReturnsToolrunnerErrorOnHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Secret: []byte("secret")}
	_, err := c.Execute(context.Background(), toolflow.ToolRunnerRequest{RequestID: "req-2"})
	if err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestSignatureIsDeterministicForSameTimestamp(t *testing.T) {
	c := &Client{Secret: []byte("secret"), now: func() time.Time { return time.Unix(1000, 0) }}
	ts := strconv.FormatInt(c.clock().Unix(), 10)
	sig1 := c.sign(ts, []byte(`{"a":1}`))
	sig2 := c.sign(ts, []byte(`{"a":1}`))
	if sig1 != sig2 {
		t.Fatal("expected deterministic signature for identical input")
	}
}
