package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mappaturasmd/mappatura/internal/collector"
)

type staticSettings struct {
	endpoint string
	token    string
	session  string
}

func (s staticSettings) EndpointURL() string { return s.endpoint }
func (s staticSettings) BearerToken() string { return s.token }
func (s staticSettings) SessionCode() string { return s.session }

func newTestClient(endpoint string, httpClient *http.Client) *Client {
	return NewClient(staticSettings{endpoint: endpoint, token: "secret", session: "ABC123"}, ClientOptions{
		HTTPClient: httpClient,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Operator: func() Operator {
			return Operator{Name: "Steve", UUID: "8667ba71-b85a-4004-af54-457a9734eed7"}
		},
	})
}

func TestSubmitPlotSendsContract(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/functions/submitPlot" {
			t.Errorf("expected submitPlot path, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("expected bearer header, got %q", got)
		}
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Errorf("expected correlation id header")
		}
		var body map[string]any
		data, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(data, &body); err != nil {
			t.Errorf("invalid body: %v", err)
		}
		if body["publish_code"] != "ABC123" {
			t.Errorf("expected publish_code ABC123, got %v", body["publish_code"])
		}
		if body["operator_uuid"] != "8667ba71b85a4004af54457a9734eed7" {
			t.Errorf("expected compact uuid, got %v", body["operator_uuid"])
		}
		plot, _ := body["plot_data"].(map[string]any)
		if plot["plot_id"] != "1;2" || plot["coord_x"] != float64(10) || plot["proprietario"] != "Mario" {
			t.Errorf("unexpected plot_data: %v", plot)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"httpStatus":999}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL+"/", server.Client())
	result, err := client.SubmitPlot(context.Background(), collector.Record{
		PlotID: "1;2", CoordX: 10, CoordZ: 20, Dimension: "overworld", Owner: "Mario",
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.HTTPStatus != http.StatusOK {
		t.Fatalf("expected transport status 200 to override body, got %d", result.HTTPStatus)
	}
}

func TestSubmitPlotRetriesTransientStatus(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"busy"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":false,"alreadyMapped":true}`))
	}))
	defer server.Close()

	result, err := newTestClient(server.URL, server.Client()).SubmitPlot(context.Background(), collector.Record{PlotID: "1"})
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if !result.AlreadyMapped {
		t.Fatalf("expected alreadyMapped, got %+v", result)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestSubmitPlotReturnsStatusAfterRetriesExhausted(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"down"}`))
	}))
	defer server.Close()

	result, err := newTestClient(server.URL, server.Client()).SubmitPlot(context.Background(), collector.Record{PlotID: "1"})
	if err != nil {
		t.Fatalf("expected http failure in result, got error %v", err)
	}
	if result.Success || result.HTTPStatus != http.StatusServiceUnavailable || result.Error != "down" {
		t.Fatalf("unexpected result %+v", result)
	}
	if atomic.LoadInt32(&calls) != int32(defaultMaxRetries+1) {
		t.Fatalf("expected %d calls, got %d", defaultMaxRetries+1, calls)
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"success":false,"error":"not whitelisted"}`))
	}))
	defer server.Close()

	result, err := newTestClient(server.URL, server.Client()).SubmitPlot(context.Background(), collector.Record{PlotID: "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.HTTPStatus != http.StatusForbidden || result.Error != "not whitelisted" {
		t.Fatalf("unexpected result %+v", result)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestEndpointMissing(t *testing.T) {
	client := NewClient(staticSettings{endpoint: "  "}, ClientOptions{})
	_, err := client.CheckAccess(context.Background())
	if !errors.Is(err, ErrEndpointMissing) {
		t.Fatalf("expected ErrEndpointMissing, got %v", err)
	}
}

func TestNetworkErrorCarriesDetail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestClient(url, &http.Client{Timeout: time.Second}).SubmitPlot(context.Background(), collector.Record{PlotID: "1"})
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if netErr.Detail == "" || netErr.Op != FunctionSubmitPlot {
		t.Fatalf("expected op and detail, got %+v", netErr)
	}
}

func TestSearchPlotAcceptsFieldAliases(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("search must not send the bearer token")
		}
		_, _ = w.Write([]byte(`{"success":true,"results":[
			{"plot_id":"1;2","coord_x":10,"coord_z":20},
			{"plot":7,"x":"-5","z":6},
			{}
		]}`))
	}))
	defer server.Close()

	result, err := newTestClient(server.URL+"/functions/searchPlot", server.Client()).SearchPlot(context.Background(), "mario")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(result.Results) != 3 {
		t.Fatalf("expected 3 hits, got %d", len(result.Results))
	}
	if got := result.Results[1]; got.PlotID != "7" || got.CoordX != -5 || got.CoordZ != 6 {
		t.Fatalf("unexpected alias decoding: %+v", got)
	}
	if got := result.Results[2]; got.PlotID != "plot" || got.CoordX != 0 {
		t.Fatalf("expected safe defaults, got %+v", got)
	}
}

func TestRequestWhitelist(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/functions/whitelistRequest" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":"ALREADY_PENDING"}`))
	}))
	defer server.Close()

	result, err := newTestClient(server.URL, server.Client()).RequestWhitelist(context.Background())
	if err != nil {
		t.Fatalf("whitelist failed: %v", err)
	}
	if result.Status != WhitelistAlreadyPending || result.HTTPStatus != http.StatusOK {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	client := NewClient(staticSettings{}, ClientOptions{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	expected := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second}
	for i, want := range expected {
		if got := client.retryDelay(i+1, ""); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, want, got)
		}
	}
	if got := client.retryDelay(1, "3"); got != time.Second {
		t.Fatalf("expected Retry-After capped at 1s, got %s", got)
	}
}
