package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/bootvisor/internal/fault"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestIsSafeAbsPath(t *testing.T) {
	abs := filepath.Join(string(filepath.Separator), "opt", "app", "app.jar")
	if runtime.GOOS == "windows" {
		abs = `C:\opt\app\app.jar`
	}
	if !isSafeAbsPath("") {
		t.Fatal("empty path should be accepted")
	}
	if !isSafeAbsPath(abs) {
		t.Fatalf("expected %q to be safe", abs)
	}
	for _, p := range []string{"app.jar", "./app.jar", "../app.jar", abs + string(filepath.Separator) + ".." + string(filepath.Separator) + "x.jar"} {
		if isSafeAbsPath(p) {
			t.Fatalf("expected %q to be rejected", p)
		}
	}
}

func TestIsSafeValue(t *testing.T) {
	for _, v := range []string{"", "prod", "dev,local", "8080"} {
		if !isSafeValue(v) {
			t.Fatalf("expected %q to be safe", v)
		}
	}
	for _, v := range []string{"-Dfoo", " --debug", "a\nb", "a\rb", "a\x00b"} {
		if isSafeValue(v) {
			t.Fatalf("expected %q to be rejected", v)
		}
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		fault.New(fault.KindNotFound, "op", nil):            http.StatusNotFound,
		fault.New(fault.KindAlreadyRunning, "op", nil):      http.StatusConflict,
		fault.New(fault.KindPrerequisiteMissing, "op", nil): http.StatusPreconditionFailed,
		fault.New(fault.KindShutdown, "op", nil):            http.StatusServiceUnavailable,
		errors.New("plain"):                                 http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Fatalf("statusFor(%v)=%d want %d", err, got, want)
		}
	}
}

func TestParseWait(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		query string
		want  time.Duration
		ok    bool
	}{
		{"", 5 * time.Second, true},
		{"wait=250ms", 250 * time.Millisecond, true},
		{"wait=0s", 0, true},
		{"wait=-1s", 0, false},
		{"wait=later", 0, false},
	}
	for _, tc := range cases {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodPost, "/stop?"+tc.query, nil)
		got, ok := parseWait(c, 5*time.Second)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("parseWait(%q)=(%v,%v) want (%v,%v)", tc.query, got, ok, tc.want, tc.ok)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	writeJSON(c, 201, map[string]string{"a": "b"})
	if rec.Code != 201 {
		t.Fatalf("unexpected code: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content-type: %q", ct)
	}
	if rec.Body.String() != "{\"a\":\"b\"}\n" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}
