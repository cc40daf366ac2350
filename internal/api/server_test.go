package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Guliveer/vitalis/resmon/internal/bridge"
	"github.com/Guliveer/vitalis/resmon/internal/history"
	"github.com/Guliveer/vitalis/resmon/internal/models"
	"github.com/Guliveer/vitalis/resmon/internal/telemetry"
	"github.com/Guliveer/vitalis/resmon/internal/units"
)

var cpuID = models.EntityID{Kind: models.KindCPU, Key: "total"}

type fakeProvider struct {
	mu      sync.Mutex
	latest  *models.Snapshot
	series  map[models.EntityID]map[string][]history.Point
	result  models.ActionResult
	actions []models.ActionRequest
	stream  chan *models.Snapshot
	cancels int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		series: map[models.EntityID]map[string][]history.Point{},
		stream: make(chan *models.Snapshot, 1),
	}
}

func (f *fakeProvider) Latest() *models.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest
}

func (f *fakeProvider) History(id models.EntityID, metric string) ([]history.Point, bool) {
	points, ok := f.series[id][metric]
	return points, ok
}

func (f *fakeProvider) HistoryMetrics(id models.EntityID) []string {
	var names []string
	for name := range f.series[id] {
		names = append(names, name)
	}
	return names
}

func (f *fakeProvider) Subscribe() (<-chan *models.Snapshot, func()) {
	return f.stream, func() {
		f.mu.Lock()
		f.cancels++
		f.mu.Unlock()
	}
}

func (f *fakeProvider) RequestAction(_ context.Context, req models.ActionRequest) models.ActionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, req)
	res := f.result
	res.PID = req.PID
	return res
}

func testSnapshot() *models.Snapshot {
	return &models.Snapshot{
		Seq:  7,
		Time: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Entities: []models.EntitySnapshot{{
			ID:    cpuID,
			Name:  "CPU",
			State: models.StateActive,
			Metrics: map[string]models.Metric{
				"usage":       models.Value(20),
				"temperature": models.Unavailable(),
			},
		}},
		Apps: []models.AppSnapshot{
			{ID: "org.example.Editor", Name: "Editor", PIDs: []int32{100, 101},
				CPUPercent: models.Value(5), MemoryBytes: models.Value(2_000_000)},
			{ID: "pid-300", Name: "bash", Pseudo: true, PIDs: []int32{300},
				CPUPercent: models.Value(50)},
			{ID: "org.example.Player", Name: "Player", PIDs: []int32{200},
				CPUPercent: models.Value(12.5), MemoryBytes: models.Unavailable()},
		},
		System: models.AppSnapshot{ID: "system", Name: "System Processes", PIDs: []int32{300}},
	}
}

func newTestServer(p *fakeProvider, m *telemetry.Metrics) *Server {
	return New(p, m, units.New("decimal"), nil)
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	return doAs(t, h, nil, method, target, body)
}

// doAs sends a request as if it arrived on the Unix socket from caller.
// A nil caller stands for a TCP client.
func doAs(t *testing.T, h http.Handler, caller *bridge.Caller, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if caller != nil {
		req = req.WithContext(bridge.WithCaller(req.Context(), *caller))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSnapshotBeforeFirstTick(t *testing.T) {
	p := newFakeProvider()
	s := newTestServer(p, nil)

	if rec := do(t, s, http.MethodGet, "/v1/snapshot", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	p.latest = testSnapshot()
	rec := do(t, s, http.MethodGet, "/v1/snapshot", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got struct {
		Seq      uint64 `json:"seq"`
		Entities []struct {
			ID      string              `json:"id"`
			Metrics map[string]*float64 `json:"metrics"`
		} `json:"entities"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Seq != 7 || len(got.Entities) != 1 || got.Entities[0].ID != "cpu/total" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	if v := got.Entities[0].Metrics["temperature"]; v != nil {
		t.Errorf("unavailable metric encoded as %v, want null", *v)
	}
}

func TestHistory(t *testing.T) {
	p := newFakeProvider()
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p.series[cpuID] = map[string][]history.Point{
		"usage": {{Time: t0, Value: models.Value(10)}, {Time: t0.Add(time.Second), Value: models.Unavailable()}},
	}
	s := newTestServer(p, nil)

	tests := []struct {
		target string
		want   int
	}{
		{"/v1/history", http.StatusBadRequest},
		{"/v1/history?entity=cpu", http.StatusBadRequest},
		{"/v1/history?entity=gpu/0000:01:00.0", http.StatusNotFound},
		{"/v1/history?entity=cpu/total&metric=busy", http.StatusNotFound},
		{"/v1/history?entity=cpu/total&metric=usage", http.StatusOK},
		{"/v1/history?entity=cpu/total", http.StatusOK},
	}
	for _, tt := range tests {
		if rec := do(t, s, http.MethodGet, tt.target, ""); rec.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.target, rec.Code, tt.want)
		}
	}

	rec := do(t, s, http.MethodGet, "/v1/history?entity=cpu/total&metric=usage", "")
	var got struct {
		Entity string `json:"entity"`
		Points []struct {
			Value *float64 `json:"value"`
		} `json:"points"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Entity != "cpu/total" || len(got.Points) != 2 {
		t.Fatalf("unexpected history: %+v", got)
	}
	if got.Points[0].Value == nil || *got.Points[0].Value != 10 || got.Points[1].Value != nil {
		t.Errorf("points not preserved: %+v", got.Points)
	}
}

func TestActions(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		result models.ActionResult
		want   int
	}{
		{"malformed", `{"pid":`, models.ActionResult{}, http.StatusBadRequest},
		{"unknown field", `{"pid":1,"kind":"kill","force":true}`, models.ActionResult{}, http.StatusBadRequest},
		{"unknown kind", `{"pid":1,"kind":"explode"}`, models.ActionResult{}, http.StatusBadRequest},
		{"bad pid", `{"pid":0,"kind":"kill"}`, models.ActionResult{}, http.StatusBadRequest},
		{"ok", `{"pid":42,"kind":"terminate"}`, models.ActionResult{OK: true}, http.StatusOK},
		{"not found", `{"pid":42,"kind":"kill"}`, models.ActionResult{Code: "not_found"}, http.StatusNotFound},
		{"denied", `{"pid":42,"kind":"kill"}`, models.ActionResult{Code: "permission_denied"}, http.StatusForbidden},
		{"busy", `{"pid":42,"kind":"kill"}`, models.ActionResult{Code: "busy"}, http.StatusConflict},
		{"replaced", `{"pid":42,"kind":"kill","start_time":9}`, models.ActionResult{Code: "process_replaced"}, http.StatusConflict},
		{"timeout", `{"pid":42,"kind":"suspend"}`, models.ActionResult{Code: "timeout", Indeterminate: true}, http.StatusAccepted},
		{"no helper", `{"pid":42,"kind":"continue"}`, models.ActionResult{Code: "unavailable"}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakeProvider()
			p.result = tt.result
			s := newTestServer(p, nil)

			rec := doAs(t, s, &bridge.Caller{UID: s.owner}, http.MethodPost, "/v1/actions", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			if tt.want == http.StatusBadRequest {
				if len(p.actions) != 0 {
					t.Errorf("rejected request reached the provider")
				}
				return
			}
			var res models.ActionResult
			if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if res.PID != 42 || res.Code != tt.result.Code || res.Indeterminate != tt.result.Indeterminate {
				t.Errorf("result = %+v, want %+v", res, tt.result)
			}
		})
	}
}

func TestActionsRequireLocalCaller(t *testing.T) {
	tests := []struct {
		name   string
		caller *bridge.Caller
		want   int
	}{
		{"tcp client", nil, http.StatusForbidden},
		{"other user", &bridge.Caller{UID: 4242, PID: 9}, http.StatusForbidden},
		{"monitor user", &bridge.Caller{UID: 1000}, http.StatusOK},
		{"root", &bridge.Caller{UID: 0}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakeProvider()
			p.result = models.ActionResult{OK: true}
			s := newTestServer(p, nil)
			s.owner = 1000

			rec := doAs(t, s, tt.caller, http.MethodPost, "/v1/actions", `{"pid":42,"kind":"kill"}`)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			if reached := len(p.actions) > 0; reached != (tt.want == http.StatusOK) {
				t.Errorf("provider reached = %v", reached)
			}
		})
	}
}

func TestActionsOverUnixSocket(t *testing.T) {
	p := newFakeProvider()
	p.result = models.ActionResult{OK: true}
	s := newTestServer(p, nil)
	sock := filepath.Join(t.TempDir(), "run", "api.sock")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenUnix(ctx, sock) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("ListenUnix: %v", err)
		}
	}()

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", sock)
		},
	}}
	var (
		resp *http.Response
		err  error
	)
	for i := 0; i < 200; i++ {
		resp, err = client.Post("http://resmon/v1/actions", "application/json", strings.NewReader(`{"pid":42,"kind":"terminate"}`))
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("POST over the socket: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.actions) != 1 || p.actions[0].PID != 42 {
		t.Errorf("actions = %+v", p.actions)
	}
}

func TestActionsRefusedOverTCP(t *testing.T) {
	p := newFakeProvider()
	s := newTestServer(p, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-done
	}()

	resp, err := http.Post("http://"+ln.Addr().String()+"/v1/actions", "application/json", strings.NewReader(`{"pid":42,"kind":"kill"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.actions) != 0 {
		t.Errorf("TCP request reached the provider: %+v", p.actions)
	}
}

func TestActionsMethodNotAllowed(t *testing.T) {
	s := newTestServer(newFakeProvider(), nil)
	if rec := do(t, s, http.MethodGet, "/v1/actions", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /v1/actions = %d, want 405", rec.Code)
	}
}

func TestSummary(t *testing.T) {
	p := newFakeProvider()
	p.latest = testSnapshot()
	s := newTestServer(p, nil)

	rec := do(t, s, http.MethodGet, "/v1/summary", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got summary
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m := got.Entities[0].Metrics; m["usage"] != "20%" || m["temperature"] != "-" {
		t.Errorf("entity metrics = %v", m)
	}
	if len(got.Apps) != 2 {
		t.Fatalf("apps = %d, want pseudo apps excluded", len(got.Apps))
	}
	if got.Apps[0].ID != "org.example.Player" || got.Apps[1].ID != "org.example.Editor" {
		t.Errorf("apps not ordered by cpu: %s, %s", got.Apps[0].ID, got.Apps[1].ID)
	}
	if got.Apps[1].Memory != "2.0 MB" || got.Apps[0].Memory != "-" {
		t.Errorf("memory = %q / %q", got.Apps[1].Memory, got.Apps[0].Memory)
	}
	if got.System.Name != "System Processes" || got.System.Processes != 1 {
		t.Errorf("system = %+v", got.System)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	p := newFakeProvider()
	m := telemetry.New()
	s := newTestServer(p, m)

	do(t, s, http.MethodGet, "/v1/snapshot", "")
	rec := do(t, s, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	want := `resmon_api_http_requests_total{method="GET",route="/v1/snapshot",status="503"} 1`
	if !strings.Contains(body, want) {
		t.Errorf("exposition missing %q", want)
	}
}

func TestMetricsDisabledWithoutTelemetry(t *testing.T) {
	s := newTestServer(newFakeProvider(), nil)
	if rec := do(t, s, http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET /metrics = %d, want 404", rec.Code)
	}
}

func TestStream(t *testing.T) {
	p := newFakeProvider()
	ts := httptest.NewServer(newTestServer(p, nil))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	for _, seq := range []uint64{1, 2} {
		p.stream <- &models.Snapshot{Seq: seq}
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got models.Snapshot
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("read: %v", err)
		}
		if got.Seq != seq {
			t.Fatalf("seq = %d, want %d", got.Seq, seq)
		}
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		p.mu.Lock()
		n := p.cancels
		p.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscription not released after client closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	ts := httptest.NewServer(newTestServer(newFakeProvider(), nil))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream"
	header := http.Header{"Origin": {"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
}
