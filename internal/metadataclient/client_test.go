package metadataclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ec2-instance-connect/managed-ssh-agent/internal/metadataclient"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *metadataclient.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	return metadataclient.New(u.Host, time.Second)
}

func TestFetchOK(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.Write([]byte("i-0123456789abcdef0"))
	})

	body, ok, err := c.Fetch(context.Background(), "/meta-data/instance-id/")
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if string(body) != "i-0123456789abcdef0" {
		t.Errorf("unexpected body: %q", body)
	}
}

func TestFetchAbsentOn404(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	body, ok, err := c.Fetch(context.Background(), "/meta-data/managed-ssh-keys/active-keys/bob/")
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for 404")
	}
	if body != nil {
		t.Errorf("expected nil body, got %q", body)
	}
}

func TestFetchTerminalOnOtherStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, _, err := c.Fetch(context.Background(), "/meta-data/instance-id/")
	if err == nil {
		t.Fatalf("expected error for 500 status")
	}
	var mdErr *metadataclient.Error
	if !isMetadataError(err, &mdErr) {
		t.Fatalf("expected *metadataclient.Error, got %T: %v", err, err)
	}
	if mdErr.Status != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", mdErr.Status)
	}
}

func TestFetchNeverFollowsRedirects(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	})

	_, ok, err := c.Fetch(context.Background(), "/meta-data/instance-id/")
	if err != nil {
		// Redirect surfaced as an error is acceptable too, as long as the
		// body was never fetched from the redirect target.
		return
	}
	if ok {
		t.Fatalf("redirect responses must never be treated as a successful fetch")
	}
}

func TestHeadStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
	})

	status, err := c.HeadStatus(context.Background(), "/meta-data/managed-ssh-keys/active-keys/bob/")
	if err != nil {
		t.Fatalf("HeadStatus returned error: %v", err)
	}
	if status != http.StatusNotFound {
		t.Errorf("expected 404, got %d", status)
	}
}

func TestTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("too slow"))
	})
	// Rebuild with a timeout shorter than the handler's sleep.
	u := c
	_ = u

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()
	fast := metadataclient.New(strings.TrimPrefix(srv.URL, "http://"), 5*time.Millisecond)

	_, _, err := fast.Fetch(context.Background(), "/meta-data/instance-id/")
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}

func isMetadataError(err error, target **metadataclient.Error) bool {
	me, ok := err.(*metadataclient.Error)
	if ok {
		*target = me
	}
	return ok
}
