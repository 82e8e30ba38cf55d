package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestVersionString_UsesLdflags(t *testing.T) {
	oldVersion := version
	oldCommit := commit
	oldDate := date
	t.Cleanup(func() {
		version = oldVersion
		commit = oldCommit
		date = oldDate
	})

	version = "v1.2.3"
	commit = "deadbeef"
	date = "2026-01-01T00:00:00Z"

	got := versionString()
	if !strings.Contains(got, "v1.2.3") {
		t.Fatalf("expected version in output, got %q", got)
	}
	if !strings.Contains(got, "deadbeef") {
		t.Fatalf("expected commit in output, got %q", got)
	}
	if !strings.Contains(got, "2026-01-01T00:00:00Z") {
		t.Fatalf("expected date in output, got %q", got)
	}
}

func TestRun_VersionFlag(t *testing.T) {
	oldVersion := version
	t.Cleanup(func() { version = oldVersion })
	version = "v9.9.9"

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := run([]string{"--version"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr=%q)", code, stderr.String())
	}
	if strings.TrimSpace(stdout.String()) == "" {
		t.Fatalf("expected version output")
	}
}

func TestRun_UnknownFlag(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := run([]string{"--no-such-flag"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
}

func TestRun_InvalidEnvPort(t *testing.T) {
	t.Setenv("RAFFEL_PORT", "nope")

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := run(nil, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(stderr.String(), "RAFFEL_PORT") {
		t.Fatalf("expected RAFFEL_PORT in stderr, got %q", stderr.String())
	}
}

func TestRun_InvalidPortRange(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := run([]string{"--port", "70000"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("expected exit 2, got %d (stderr=%q)", code, stderr.String())
	}
}

func TestRun_InvalidLogLevel(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := run([]string{"--log-level", "shout"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("expected exit 2, got %d (stderr=%q)", code, stderr.String())
	}
}

func TestWriteReadyJSON_PrettyAndCompact(t *testing.T) {
	out := ready{
		Version:    "v1.2.3",
		Commit:     "abc",
		Date:       "2026-01-01T00:00:00Z",
		Listen:     "127.0.0.1:1234",
		HTTPURL:    "http://127.0.0.1:1234",
		RPCURL:     "http://127.0.0.1:1234/rpc",
		WSURL:      "ws://127.0.0.1:1234/ws",
		HealthzURL: "http://127.0.0.1:1234/healthz",
	}

	var compact bytes.Buffer
	if err := writeReadyJSON(&compact, out, false); err != nil {
		t.Fatalf("write compact: %v", err)
	}
	if strings.Contains(compact.String(), "\n  \"version\"") {
		t.Fatalf("expected compact JSON output, got %q", compact.String())
	}
	var got1 ready
	if err := json.Unmarshal(compact.Bytes(), &got1); err != nil {
		t.Fatalf("parse compact JSON: %v", err)
	}

	var pretty bytes.Buffer
	if err := writeReadyJSON(&pretty, out, true); err != nil {
		t.Fatalf("write pretty: %v", err)
	}
	if !strings.Contains(pretty.String(), "\n  \"version\"") {
		t.Fatalf("expected pretty JSON output, got %q", pretty.String())
	}
	var got2 ready
	if err := json.Unmarshal(pretty.Bytes(), &got2); err != nil {
		t.Fatalf("parse pretty JSON: %v", err)
	}
}

func TestJoinURLPath(t *testing.T) {
	cases := []struct {
		base, p, want string
	}{
		{"", "", ""},
		{"", "/rpc", "/rpc"},
		{"/api", "", "/api"},
		{"/api", "/rpc", "/api/rpc"},
		{"api/", "rpc", "/api/rpc"},
	}
	for _, c := range cases {
		if got := joinURLPath(c.base, c.p); got != c.want {
			t.Fatalf("joinURLPath(%q, %q) = %q, want %q", c.base, c.p, got, c.want)
		}
	}
}
