package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/text/encoding/charmap"

	"github.com/duavault/extract-worker/internal/errors"
	"github.com/duavault/extract-worker/internal/logging"
)

func testClient() *Client {
	return New(Config{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, logging.Discard())
}

func TestGetRetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	resp, err := testClient().Get(context.Background(), srv.URL, "image", 0)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(resp.Body) != "payload" || resp.ContentType != "image/png" {
		t.Errorf("resp = %+v", resp)
	}
	if hits != 3 {
		t.Errorf("hits = %d, want 3", hits)
	}
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient().Get(context.Background(), srv.URL, "page", 0)
	if !errors.HasCode(err, errors.ErrorInvalidInput) {
		t.Fatalf("error = %v, want INVALID_INPUT", err)
	}
	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
}

func TestGetEnforcesSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Chunked, so the limit is caught while reading.
		w.(http.Flusher).Flush()
		w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	_, err := testClient().Get(context.Background(), srv.URL, "image", 16)
	if !errors.HasCode(err, errors.ErrorInvalidInput) || !strings.Contains(err.Error(), "maximum size") {
		t.Fatalf("error = %v, want size INVALID_INPUT", err)
	}
}

func TestValidateURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://host/file", "/relative/path", "https://"} {
		if _, err := ValidateURL(raw, "page"); !errors.HasCode(err, errors.ErrorInvalidInput) {
			t.Errorf("ValidateURL(%q) error = %v, want INVALID_INPUT", raw, err)
		}
	}
	got, err := ValidateURL("  https://duas.example/morning  ", "page")
	if err != nil || got != "https://duas.example/morning" {
		t.Errorf("ValidateURL() = %q, %v", got, err)
	}
}

func TestHTMLTextKeepsVisibleBlocks(t *testing.T) {
	doc := `<!doctype html><html><head><title>Morning</title><style>p{color:red}</style></head>
<body><nav>Home | Duas</nav>
<h1>Dua for the morning</h1>
<script>var x = "بسم";</script>
<p class="ar">اللهم بك   أصبحنا<br>وبك أمسينا</p>
<p>O Allah, by You we enter the morning</p>
<footer>Copyright</footer></body></html>`

	text, err := HTMLText(strings.NewReader(doc), "text/html; charset=utf-8")
	if err != nil {
		t.Fatalf("HTMLText() error = %v", err)
	}
	want := "Dua for the morning\nاللهم بك أصبحنا\nوبك أمسينا\nO Allah, by You we enter the morning"
	if text != want {
		t.Errorf("text = %q\nwant %q", text, want)
	}
}

func TestHTMLTextDecodesDeclaredCharset(t *testing.T) {
	encoded, err := charmap.Windows1256.NewEncoder().String("<p>سبحان الله</p>")
	if err != nil {
		t.Fatal(err)
	}
	text, err := HTMLText(strings.NewReader(encoded), "text/html; charset=windows-1256")
	if err != nil {
		t.Fatalf("HTMLText() error = %v", err)
	}
	if text != "سبحان الله" {
		t.Errorf("text = %q", text)
	}
}

func TestPageText(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/dua", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><body><p>بسم الله الرحمن الرحيم</p></body></html>`))
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("  الحمد لله  \n\n رب العالمين "))
	})
	mux.HandleFunc("/image", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte{0xff, 0xd8, 0xff})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{MaxPageRunes: 9}, logging.Discard())

	text, err := c.PageText(context.Background(), srv.URL+"/dua")
	if err != nil {
		t.Fatalf("PageText(html) error = %v", err)
	}
	if text != "بسم الله " {
		t.Errorf("truncated text = %q", text)
	}

	text, err = testClient().PageText(context.Background(), srv.URL+"/plain")
	if err != nil || text != "الحمد لله\nرب العالمين" {
		t.Errorf("PageText(plain) = %q, %v", text, err)
	}

	if _, err := testClient().PageText(context.Background(), srv.URL+"/image"); !errors.HasCode(err, errors.ErrorInvalidInput) {
		t.Errorf("PageText(image) error = %v, want INVALID_INPUT", err)
	}
}
