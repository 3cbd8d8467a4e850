package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, endpoint string) *S3Client {
	t.Helper()
	c, err := NewS3Client(context.Background(), Options{
		Endpoint:  endpoint,
		Region:    "us-east-1",
		Bucket:    "originals",
		AccessKey: "test-access",
		SecretKey: "test-secret",
		KeyPrefix: "photos/",
	})
	if err != nil {
		t.Fatalf("NewS3Client: %v", err)
	}
	return c
}

func TestObjectKey(t *testing.T) {
	c := newTestClient(t, "http://localhost:9000")
	if got := c.ObjectKey("photo-1.jpg"); got != "photos/photo-1.jpg" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := c.ObjectKey("/photo-1.jpg"); got != "photos/photo-1.jpg" {
		t.Fatalf("leading slash should be dropped, got %q", got)
	}
}

func TestGenerateDownloadURL(t *testing.T) {
	c := newTestClient(t, "http://localhost:9000")
	raw, err := c.GenerateDownloadURL(context.Background(), "photos/photo-1.jpg", 5*time.Minute, "photo-1.jpg")
	if err != nil {
		t.Fatalf("GenerateDownloadURL: %v", err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if u.Host != "localhost:9000" || u.Path != "/originals/photos/photo-1.jpg" {
		t.Fatalf("unexpected url %s", raw)
	}
	q := u.Query()
	if q.Get("X-Amz-Expires") != "300" {
		t.Errorf("unexpected expiry %q", q.Get("X-Amz-Expires"))
	}
	if !strings.Contains(q.Get("response-content-disposition"), "attachment") {
		t.Errorf("missing attachment disposition in %s", raw)
	}
	if q.Get("X-Amz-Signature") == "" {
		t.Error("url is not signed")
	}
}

func TestObjectExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch r.URL.Path {
		case "/originals/photos/present.jpg":
			w.Header().Set("Content-Length", "0")
			w.WriteHeader(http.StatusOK)
		case "/originals/photos/broken.jpg":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ok, err := c.ObjectExists(ctx, "photos/present.jpg")
	if err != nil || !ok {
		t.Fatalf("expected object to exist: %v %v", ok, err)
	}
	ok, err = c.ObjectExists(ctx, "photos/missing.jpg")
	if err != nil || ok {
		t.Fatalf("expected missing object: %v %v", ok, err)
	}
	if _, err := c.ObjectExists(ctx, "photos/broken.jpg"); err == nil {
		t.Fatal("expected error for server failure")
	}
}
