package notifier

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/paulschiretz/pgl-dump/pkg/report"
)

func testReport(status report.Status) *report.Report {
	start := time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)
	r := &report.Report{
		RunID:       "run-1",
		Trigger:     "nightly",
		Status:      status,
		Started:     start,
		Finished:    start.Add(42 * time.Second),
		Lines:       []string{"[2024/03/01 02:00:00][info] Dumping source source=main_db"},
		PackageSize: 1024,
		Destinations: []report.Destination{
			{ID: "local", Uploaded: true, Generation: "2024.03.01.02.00.00"},
		},
	}
	if status == report.Failure {
		r.Err = errors.New("dump failed")
	}
	return r
}

// countingNotifier fails the first failures calls.
type countingNotifier struct {
	calls    atomic.Int32
	failures int32
}

func (c *countingNotifier) Name() string { return "counting" }

func (c *countingNotifier) Notify(ctx context.Context, r *report.Report) error {
	if c.calls.Add(1) <= c.failures {
		return errors.New("unreachable")
	}
	return nil
}

func TestFilter(t *testing.T) {
	testCases := []struct {
		name   string
		filter Filter
		status report.Status
		want   bool
	}{
		{"success allowed", Filter{OnSuccess: true}, report.Success, true},
		{"success filtered", Filter{OnFailure: true}, report.Success, false},
		{"warning allowed", Filter{OnWarning: true}, report.Warning, true},
		{"failure allowed", Filter{OnFailure: true}, report.Failure, true},
		{"failure filtered", Filter{OnSuccess: true, OnWarning: true}, report.Failure, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filter.Matches(tc.status); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestDispatch(t *testing.T) {
	t.Run("retries until success", func(t *testing.T) {
		n := &countingNotifier{failures: 2}
		Dispatch(context.Background(), []Entry{{Notifier: n, Filter: AllStatuses, MaxRetries: 2}}, testReport(report.Success), nil)
		if n.calls.Load() != 3 {
			t.Errorf("expected 3 attempts, got %d", n.calls.Load())
		}
	})

	t.Run("gives up after retries", func(t *testing.T) {
		n := &countingNotifier{failures: 100}
		Dispatch(context.Background(), []Entry{{Notifier: n, Filter: AllStatuses, MaxRetries: 1}}, testReport(report.Failure), nil)
		if n.calls.Load() != 2 {
			t.Errorf("expected 2 attempts, got %d", n.calls.Load())
		}
	})

	t.Run("filter skips delivery", func(t *testing.T) {
		n := &countingNotifier{}
		Dispatch(context.Background(), []Entry{{Notifier: n, Filter: Filter{OnFailure: true}}}, testReport(report.Success), nil)
		if n.calls.Load() != 0 {
			t.Errorf("expected no delivery, got %d", n.calls.Load())
		}
	})

	t.Run("one failing notifier does not block others", func(t *testing.T) {
		bad := &countingNotifier{failures: 100}
		good := &countingNotifier{}
		Dispatch(context.Background(), []Entry{
			{Notifier: bad, Filter: AllStatuses},
			{Notifier: good, Filter: AllStatuses},
		}, testReport(report.Warning), nil)
		if good.calls.Load() != 1 {
			t.Errorf("expected the healthy notifier to be called once, got %d", good.calls.Load())
		}
	})
}

func TestWebhook(t *testing.T) {
	var mu sync.Mutex
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		auth = r.Header.Get("Authorization")
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("invalid json: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := &Webhook{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer token"}}
	if err := wh.Notify(context.Background(), testReport(report.Failure)); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if auth != "Bearer token" {
		t.Errorf("expected custom header, got %q", auth)
	}
	if got["status"] != "failure" || got["trigger"] != "nightly" || got["error"] != "dump failed" {
		t.Errorf("unexpected payload: %v", got)
	}
	if got["durationSeconds"] != float64(42) {
		t.Errorf("unexpected duration: %v", got["durationSeconds"])
	}
}

func TestWebhook_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := (&Webhook{URL: srv.URL}).Notify(context.Background(), testReport(report.Success))
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestSlack(t *testing.T) {
	var got slackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("invalid json: %v", err)
		}
	}))
	defer srv.Close()

	s := &Slack{WebhookURL: srv.URL, Channel: "#backups"}
	if err := s.Notify(context.Background(), testReport(report.Warning)); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if got.Text != "[pgl-dump] nightly: success_with_warnings" || got.Channel != "#backups" {
		t.Errorf("unexpected message: %+v", got)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Color != "warning" {
		t.Fatalf("unexpected attachments: %+v", got.Attachments)
	}
	if !strings.Contains(got.Attachments[0].Text, "Dumping source") {
		t.Errorf("expected log lines in attachment, got %q", got.Attachments[0].Text)
	}
}

func TestCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("command notifier tests rely on /bin/sh")
	}
	out := filepath.Join(t.TempDir(), "env")
	c := &Command{Run: `printf '%s %s %s' "$PGL_DUMP_TRIGGER" "$PGL_DUMP_STATUS" "$PGL_DUMP_EXIT_CODE" > '` + out + `'`}
	if err := c.Notify(context.Background(), testReport(report.Warning)); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "nightly success_with_warnings 1" {
		t.Errorf("unexpected env seen by command: %q", data)
	}

	if err := (&Command{Run: "exit 3"}).Notify(context.Background(), testReport(report.Success)); err == nil {
		t.Error("expected error for a failing command")
	}
}

func runNATSServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: server.RANDOM_PORT, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestNATS(t *testing.T) {
	ns := runNATSServer(t)

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync("backups.>")
	if err != nil {
		t.Fatal(err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n := &NATS{URL: ns.ClientURL(), Subject: "backups"}
	if err := n.Notify(ctx, testReport(report.Success)); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("no message received: %v", err)
	}
	if msg.Subject != "backups.success" {
		t.Errorf("unexpected subject %q", msg.Subject)
	}
	var got map[string]any
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatal(err)
	}
	if got["runID"] != "run-1" || got["status"] != "success" {
		t.Errorf("unexpected payload: %v", got)
	}
}

func TestNATS_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n := &NATS{URL: "nats://127.0.0.1:1"}
	if err := n.Notify(ctx, testReport(report.Success)); err == nil {
		t.Error("expected connection error")
	}
}
