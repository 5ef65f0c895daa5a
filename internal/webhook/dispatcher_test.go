package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestSign(t *testing.T) {
	got := sign([]byte("hello"), "secret")
	if len(got) != 64 {
		t.Fatalf("expected 64 hex chars, got %d: %s", len(got), got)
	}
	if sign([]byte("hello"), "secret") != got {
		t.Fatal("sign is not deterministic")
	}
	if sign([]byte("hello"), "other") == got {
		t.Fatal("different secrets must not collide")
	}
}

func TestDeliver_SignsWhenSecretPresent(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(signatureHeader)
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"x":1}` {
			t.Errorf("unexpected body: %s", body)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New("test-dispatcher", nil, nil, nil, zap.NewNop())
	if err := d.deliver(context.Background(), srv.URL, "secret", []byte(`{"x":1}`)); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	want := "sha256=" + sign([]byte(`{"x":1}`), "secret")
	if gotSig != want {
		t.Fatalf("signature header = %q, want %q", gotSig, want)
	}
}

func TestDeliver_NoSignatureWithoutSecret(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(signatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New("test-dispatcher", nil, nil, nil, zap.NewNop())
	if err := d.deliver(context.Background(), srv.URL, "", []byte(`{}`)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if gotSig != "" {
		t.Fatalf("expected no signature header, got %q", gotSig)
	}
}

func TestDeliver_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New("test-dispatcher", nil, nil, nil, zap.NewNop())
	if err := d.deliver(context.Background(), srv.URL, "", []byte(`{}`)); err == nil {
		t.Fatal("expected error for 500 response")
	}
}
