package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rankwatch/rankwatch/internal/events"
	iduuid "github.com/rankwatch/rankwatch/internal/id/uuid"
	"github.com/rankwatch/rankwatch/internal/scan"
	"github.com/rankwatch/rankwatch/internal/storage/memory"
)

type testClock struct{}

func (testClock) Now() time.Time        { return time.Now().UTC() }
func (testClock) Sleep(_ time.Duration) {}

type stubStarter struct {
	mu      sync.Mutex
	started []uuid.UUID
}

func (s *stubStarter) Start(scanID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, scanID)
}

func (s *stubStarter) Started() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.started...)
}

func newTestServer(t *testing.T) (*Server, *memory.Store, *stubStarter, *events.Bus) {
	t.Helper()
	store := memory.New()
	bus := events.NewBus(events.Config{ChannelBuffer: 64, PollInterval: 10 * time.Millisecond, IdleTimeout: time.Minute}, store, nil)
	starter := &stubStarter{}
	srv := NewServer(store, starter, bus, testClock{}, iduuid.NewGenerator(), nil)
	return srv, store, starter, bus
}

func seedScan(t *testing.T, store *memory.Store, status scan.Status) uuid.UUID {
	t.Helper()
	now := time.Now().UTC()
	sc := &scan.Scan{
		ID:          uuid.New(),
		PlaylistID:  "tracked",
		Countries:   []string{"US"},
		Keywords:    []string{"lofi"},
		Status:      scan.StatusQueued,
		TotalUnits:  1,
		CreatedAt:   now,
		LastEventAt: now,
	}
	require.NoError(t, store.CreateScan(context.Background(), sc))
	if status == scan.StatusQueued {
		return sc.ID
	}
	applied, err := store.MarkRunning(context.Background(), sc.ID, now)
	require.NoError(t, err)
	require.True(t, applied)
	if status == scan.StatusRunning {
		return sc.ID
	}
	applied, err = store.FinishScan(context.Background(), sc.ID, status, scan.ReasonNone, nil, now)
	require.NoError(t, err)
	require.True(t, applied)
	return sc.ID
}

func TestCreateScanAccepted(t *testing.T) {
	t.Parallel()

	srv, store, starter, _ := newTestServer(t)
	body := `{"playlist_id":"tracked","countries":["us","de"],"keywords":["lofi beats"]}`

	req := httptest.NewRequest(http.MethodPost, "/v1/scans", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		ID        string   `json:"id"`
		Status    string   `json:"status"`
		Countries []string `json:"countries"`
		Progress  struct {
			Total int `json:"total"`
		} `json:"progress"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "queued", resp.Status)
	require.Equal(t, []string{"US", "DE"}, resp.Countries)
	require.Equal(t, 2, resp.Progress.Total)

	id, err := uuid.Parse(resp.ID)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{id}, starter.Started())

	sc, err := store.GetScan(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, scan.StatusQueued, sc.Status)
}

func TestCreateScanValidation(t *testing.T) {
	t.Parallel()

	srv, _, starter, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{`},
		{name: "missing subject", body: `{"countries":["US"],"keywords":["a"]}`},
		{name: "no countries", body: `{"playlist_id":"x","countries":[],"keywords":["a"]}`},
		{name: "bad country code", body: `{"playlist_id":"x","countries":["USA"],"keywords":["a"]}`},
		{name: "no keywords", body: `{"playlist_id":"x","countries":["US"],"keywords":[]}`},
		{name: "blank keyword", body: `{"playlist_id":"x","countries":["US"],"keywords":["  "]}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/v1/scans", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	require.Empty(t, starter.Started())
}

func TestCancelScan(t *testing.T) {
	t.Parallel()

	srv, store, _, _ := newTestServer(t)
	running := seedScan(t, store, scan.StatusRunning)
	finished := seedScan(t, store, scan.StatusCompleted)

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/v1/scans/%s/cancel", running), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	sc, err := store.GetScan(context.Background(), running)
	require.NoError(t, err)
	require.NotNil(t, sc.CancelRequestedAt)
	// The flag alone does not finish the scan; the runner does at the next
	// checkpoint.
	require.Equal(t, scan.StatusRunning, sc.Status)

	req = httptest.NewRequest(http.MethodPost, fmt.Sprintf("/v1/scans/%s/cancel", finished), nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)

	req = httptest.NewRequest(http.MethodPost, fmt.Sprintf("/v1/scans/%s/cancel", uuid.New()), nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteScan(t *testing.T) {
	t.Parallel()

	srv, store, _, _ := newTestServer(t)
	running := seedScan(t, store, scan.StatusRunning)
	finished := seedScan(t, store, scan.StatusCancelled)

	req := httptest.NewRequest(http.MethodDelete, "/v1/scans/"+running.String(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/v1/scans/"+finished.String(), nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err := store.GetScan(context.Background(), finished)
	require.ErrorIs(t, err, scan.ErrNotFound)
}

func TestGetScanDetailIncludesQueries(t *testing.T) {
	t.Parallel()

	srv, store, _, _ := newTestServer(t)
	id := seedScan(t, store, scan.StatusRunning)

	rank := 1
	q := scan.ScanQuery{
		ID:          uuid.New(),
		ScanID:      id,
		Country:     "US",
		Keyword:     "lofi",
		SearchedAt:  time.Now().UTC(),
		TrackedRank: &rank,
		FoundInTopN: true,
	}
	results := []scan.ScanResult{
		{ID: uuid.New(), QueryID: q.ID, Rank: 1, PlaylistID: "tracked", Name: "Mine", IsTracked: true},
		{ID: uuid.New(), QueryID: q.ID, Rank: 2, PlaylistID: "other", Name: "Other"},
	}
	require.NoError(t, store.AppendQuery(context.Background(), q, results))

	req := httptest.NewRequest(http.MethodGet, "/v1/scans/"+id.String(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status  string `json:"status"`
		Queries []struct {
			Country     string `json:"country"`
			TrackedRank *int   `json:"tracked_rank"`
			FoundInTopN bool   `json:"found_in_top_n"`
			Results     []struct {
				Rank      int    `json:"rank"`
				IsTracked bool   `json:"is_tracked"`
				Name      string `json:"name"`
			} `json:"results"`
		} `json:"queries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "running", resp.Status)
	require.Len(t, resp.Queries, 1)
	require.Equal(t, "US", resp.Queries[0].Country)
	require.NotNil(t, resp.Queries[0].TrackedRank)
	require.Equal(t, 1, *resp.Queries[0].TrackedRank)
	require.True(t, resp.Queries[0].FoundInTopN)
	require.Len(t, resp.Queries[0].Results, 2)
	require.True(t, resp.Queries[0].Results[0].IsTracked)
}

func TestListScansStatusFilter(t *testing.T) {
	t.Parallel()

	srv, store, _, _ := newTestServer(t)
	seedScan(t, store, scan.StatusRunning)
	completed := seedScan(t, store, scan.StatusCompleted)

	req := httptest.NewRequest(http.MethodGet, "/v1/scans?status=completed", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Scans []struct {
			ID string `json:"id"`
		} `json:"scans"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Scans, 1)
	require.Equal(t, completed.String(), resp.Scans[0].ID)

	req = httptest.NewRequest(http.MethodGet, "/v1/scans?status=bogus", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamEventsDeliversTerminal(t *testing.T) {
	t.Parallel()

	srv, store, _, _ := newTestServer(t)
	// Already finished: the stream synthesizes the terminal event from the
	// durable record for late subscribers.
	id := seedScan(t, store, scan.StatusCompleted)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/scans/"+id.String()+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var eventLine, dataLine string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimPrefix(line, "data: ")
		}
		if eventLine != "" && dataLine != "" {
			break
		}
	}
	require.Equal(t, "done", eventLine)

	var evt events.Event
	require.NoError(t, json.Unmarshal([]byte(dataLine), &evt))
	require.Equal(t, events.TypeDone, evt.Type)
	require.Equal(t, id.String(), evt.ScanID)
}

func TestStreamEventsUnknownScan(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/scans/"+uuid.New().String()+"/events", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
