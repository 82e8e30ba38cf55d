package httpsrv

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/raffelio/raffel/call"
	"github.com/raffelio/raffel/registry"
	"github.com/raffelio/raffel/rferrors"
	"github.com/raffelio/raffel/router"
)

func newTestHandler(t *testing.T, cfg Config) (*registry.Registry, *Handler) {
	t.Helper()
	reg := registry.New()
	rt := router.New(reg, router.Config{})
	return reg, New(rt, cfg)
}

func registerGreet(t *testing.T, reg *registry.Registry) {
	t.Helper()
	err := reg.RegisterProcedure(registry.HandlerDef{Name: "greet"}, func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var in struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, rferrors.New(rferrors.CodeInvalidArgument, "bad input")
		}
		out, _ := json.Marshal(map[string]string{"message": "Hello, " + in.Name + "!"})
		return out, nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
}

func TestProcedurePost(t *testing.T) {
	reg, h := newTestHandler(t, DefaultConfig())
	registerGreet(t, reg)
	ts := httptest.NewServer(h)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/greet", "application/json", strings.NewReader(`{"name":"World"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Fatalf("content type = %q", got)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("missing X-Request-Id header")
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["message"] != "Hello, World!" {
		t.Fatalf("message = %q", body["message"])
	}
}

func TestProcedureNotFound(t *testing.T) {
	_, h := newTestHandler(t, DefaultConfig())
	ts := httptest.NewServer(h)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/missing", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body rferrors.Body
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != rferrors.CodeNotFound {
		t.Fatalf("code = %s", body.Code)
	}
}

func TestMethodAndMediaGuards(t *testing.T) {
	reg, h := newTestHandler(t, DefaultConfig())
	registerGreet(t, reg)
	ts := httptest.NewServer(h)
	defer ts.Close()

	t.Run("method", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/greet")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("status = %d, want 405", resp.StatusCode)
		}
	})

	t.Run("content type", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/greet", "text/plain", strings.NewReader("hi"))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnsupportedMediaType {
			t.Fatalf("status = %d, want 415", resp.StatusCode)
		}
	})

	t.Run("accept", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/greet", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/html")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotAcceptable {
			t.Fatalf("status = %d, want 406", resp.StatusCode)
		}
	})

	t.Run("bad json", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/greet", "application/json", strings.NewReader("{nope"))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestBodyLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBodyBytes = 64
	reg, h := newTestHandler(t, cfg)
	registerGreet(t, reg)
	ts := httptest.NewServer(h)
	defer ts.Close()

	big := `{"name":"` + strings.Repeat("x", 256) + `"}`
	resp, err := http.Post(ts.URL+"/greet", "application/json", strings.NewReader(big))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
}

func TestBasePathRouting(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BasePath = "/api/v1"
	reg, h := newTestHandler(t, cfg)
	registerGreet(t, reg)
	ts := httptest.NewServer(h)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/greet", "application/json", strings.NewReader(`{"name":"Base"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// Outside the base path nothing is served.
	resp, err = http.Post(ts.URL+"/greet", "application/json", strings.NewReader(`{"name":"Base"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestMetadataFromHeaders(t *testing.T) {
	reg, h := newTestHandler(t, DefaultConfig())
	var gotAuth, gotTenant, gotReqID string
	err := reg.RegisterProcedure(registry.HandlerDef{Name: "who"}, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		in, _ := call.FromContext(ctx)
		gotAuth = in.Meta("authorization")
		gotTenant = in.Meta("x-tenant")
		gotReqID = in.RequestID
		return json.RawMessage(`{}`), nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/who", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("X-Tenant", "acme")
	req.Header.Set("X-Request-Id", "req_fixed")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if gotAuth != "Bearer tok" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotTenant != "acme" {
		t.Fatalf("x-tenant = %q", gotTenant)
	}
	if gotReqID != "req_fixed" {
		t.Fatalf("request id = %q", gotReqID)
	}
	if got := resp.Header.Get("X-Request-Id"); got != "req_fixed" {
		t.Fatalf("response request id = %q", got)
	}
}

func TestEventAccepted(t *testing.T) {
	reg, h := newTestHandler(t, DefaultConfig())
	handled := make(chan struct{}, 1)
	err := reg.RegisterEvent(registry.HandlerDef{Name: "audit"}, func(context.Context, json.RawMessage) error {
		handled <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/events/audit", "application/json", strings.NewReader(`{"act":"login"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("event handler never ran")
	}
}

func TestEventErrorsStayServerSide(t *testing.T) {
	reg, h := newTestHandler(t, DefaultConfig())
	err := reg.RegisterEvent(registry.HandlerDef{Name: "broken"}, func(context.Context, json.RawMessage) error {
		return rferrors.New(rferrors.CodeFailedPrecondition, "nope")
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	// Handler failures and unknown names both acknowledge with 202.
	for _, name := range []string{"broken", "unknown"} {
		resp, err := http.Post(ts.URL+"/events/"+name, "application/json", strings.NewReader(`{}`))
		if err != nil {
			t.Fatalf("post %s: %v", name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("status for %s = %d, want 202", name, resp.StatusCode)
		}
	}
}

func TestCORSPreflightAndDeny(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	reg, h := newTestHandler(t, cfg)
	registerGreet(t, reg)
	ts := httptest.NewServer(h)
	defer ts.Close()

	t.Run("preflight allowed", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/greet", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Fatalf("allow origin = %q", got)
		}
	})

	t.Run("denied origin", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/greet", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Origin", "https://evil.example.net")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", resp.StatusCode)
		}
	})
}

func TestReplyMetaBecomesHeaders(t *testing.T) {
	reg := registry.New()
	rt := router.New(reg, router.Config{})
	if err := reg.RegisterProcedure(registry.HandlerDef{Name: "limited"}, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		if in, ok := call.FromContext(ctx); ok {
			in.SetReplyMeta("X-RateLimit-Remaining", "0")
		}
		return json.RawMessage(`{}`), nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	h := New(rt, DefaultConfig())
	ts := httptest.NewServer(h)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/limited", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("X-RateLimit-Remaining = %q", got)
	}
}

func TestFoldQuery(t *testing.T) {
	got := foldQuery(map[string][]string{
		"count": {"3"},
		"name":  {"ada"},
		"deep":  {`{"a":1}`},
	})
	var m map[string]json.RawMessage
	if err := json.Unmarshal(got, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(m["count"]) != "3" {
		t.Fatalf("count = %s", m["count"])
	}
	if string(m["name"]) != `"ada"` {
		t.Fatalf("name = %s", m["name"])
	}
	if string(m["deep"]) != `{"a":1}` {
		t.Fatalf("deep = %s", m["deep"])
	}
}
