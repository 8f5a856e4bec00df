package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCollectors(t *testing.T) {
	m := New("test")
	m.AuthAttempt("bot", true)
	m.AuthAttempt("bot", false)
	m.AuthAttempt("bot", true)
	m.RPCResult("ok", 10*time.Millisecond)
	m.ProxyOpened()
	m.ProxyOpened()
	m.ProxyClosed()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`test_auth_attempts_total{kind="bot",result="success"} 2`,
		`test_auth_attempts_total{kind="bot",result="failure"} 1`,
		`test_proxy_sessions 1`,
		`test_rpc_results_total{ret="ok"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition is missing %q", want)
		}
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.AuthAttempt("bot", true)
	m.Message("reply")
	m.SessionOpened("tcp")
	m.ProxyForward("upstream")
}

func TestSanitizeNamespace(t *testing.T) {
	tests := map[string]string{
		"robovac-broker": "robovac_broker",
		"":               "robovac",
		"9lives":         "robovac9lives",
		"ok_name":        "ok_name",
	}
	for in, want := range tests {
		if got := sanitizeNamespace(in); got != want {
			t.Errorf("sanitizeNamespace(%q) = %q, want %q", in, got, want)
		}
	}
}
