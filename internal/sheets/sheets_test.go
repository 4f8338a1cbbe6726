package sheets

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/formsync/internal/config"
)

func TestColumnLetter(t *testing.T) {
	cases := map[int]string{
		1:   "A",
		2:   "B",
		26:  "Z",
		27:  "AA",
		52:  "AZ",
		53:  "BA",
		702: "ZZ",
		703: "AAA",
	}
	for n, want := range cases {
		require.Equal(t, want, ColumnLetter(n), "column %d", n)
	}
}

func TestCellRange(t *testing.T) {
	require.Equal(t, "data!A1:C1", RowRange("data", 1, 1, 3))
	require.Equal(t, "data!B2:AA10", CellRange("data", 2, 2, 10, 27))
}

// fakeSheetsAPI records requests and serves canned spreadsheet metadata.
type fakeSheetsAPI struct {
	mu       sync.Mutex
	requests []recordedRequest
	grid     GridProperties
	fail     int // number of 503s to serve before succeeding
}

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   map[string]any
}

func (f *fakeSheetsAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		var body map[string]any
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			json.Unmarshal(data, &body)
		}
		f.requests = append(f.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Body:   body,
		})

		if f.fail > 0 {
			f.fail--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/spreadsheets":
			json.NewEncoder(w).Encode(Spreadsheet{SpreadsheetID: "new-sheet-id"})
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(Spreadsheet{
				SpreadsheetID: "existing-id",
				Sheets: []Sheet{{Properties: SheetProperties{
					SheetID:        7,
					Title:          DefaultSheetTitle,
					GridProperties: &f.grid,
				}}},
			})
		default:
			json.NewEncoder(w).Encode(map[string]any{})
		}
	})
}

func (f *fakeSheetsAPI) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	cfg := config.SheetsConfig{
		BaseURL:     baseURL,
		AccessToken: "test-token",
		RatePerSec:  1000,
		Retry:       config.RetryConfig{Mode: "fixed", Initial: time.Millisecond, Max: time.Millisecond, MaxRetries: 2},
	}
	client, err := NewClient(cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return client
}

func TestClientRequiresToken(t *testing.T) {
	_, err := NewClient(config.SheetsConfig{BaseURL: "http://x"}, slog.New(slog.DiscardHandler))
	require.Error(t, err)
}

func TestExportCreatesAndWrites(t *testing.T) {
	fake := &fakeSheetsAPI{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	builder := NewExportBuilder(testClient(t, srv.URL), slog.New(slog.DiscardHandler))
	id, err := builder.Export(context.Background(), "Household Survey",
		[]string{"respondent", "_uuid"},
		[][]string{{"Ada", "u1"}, {"Bea", "u2"}})
	require.NoError(t, err)
	require.Equal(t, "new-sheet-id", id)

	reqs := fake.recorded()
	require.Len(t, reqs, 2)

	create := reqs[0]
	require.Equal(t, http.MethodPost, create.Method)
	require.Equal(t, "/spreadsheets", create.Path)
	props := create.Body["sheets"].([]any)[0].(map[string]any)["properties"].(map[string]any)
	grid := props["gridProperties"].(map[string]any)
	require.Equal(t, float64(3), grid["rowCount"])
	require.Equal(t, float64(2), grid["columnCount"])

	update := reqs[1]
	require.Equal(t, http.MethodPut, update.Method)
	require.Equal(t, "/spreadsheets/new-sheet-id/values/data!A1:B3", update.Path)
	require.Contains(t, update.Query, "valueInputOption=USER_ENTERED")
	values := update.Body["values"].([]any)
	require.Len(t, values, 3)
	require.Equal(t, "respondent", values[0].([]any)[0])
	require.Equal(t, "Ada", values[1].([]any)[0])
}

func TestLiveUpdateGrowsGridAndTruncates(t *testing.T) {
	fake := &fakeSheetsAPI{grid: GridProperties{RowCount: 10, ColumnCount: 1}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	builder := NewExportBuilder(testClient(t, srv.URL), slog.New(slog.DiscardHandler))
	err := builder.LiveUpdate(context.Background(), "existing-id",
		[]string{"respondent", "_uuid"},
		[][]string{{"Ada", "u1"}}, false)
	require.NoError(t, err)

	reqs := fake.recorded()
	// get metadata, append 1 column, write table, delete surplus rows
	require.Len(t, reqs, 4)

	appendCols := reqs[1]
	require.Contains(t, appendCols.Path, ":batchUpdate")
	ad := appendCols.Body["requests"].([]any)[0].(map[string]any)["appendDimension"].(map[string]any)
	require.Equal(t, "COLUMNS", ad["dimension"])
	require.Equal(t, float64(1), ad["length"])

	write := reqs[2]
	require.Equal(t, "/spreadsheets/existing-id/values/data!A1:B2", write.Path)

	del := reqs[3]
	dd := del.Body["requests"].([]any)[0].(map[string]any)["deleteDimension"].(map[string]any)["range"].(map[string]any)
	require.Equal(t, "ROWS", dd["dimension"])
	require.Equal(t, float64(2), dd["startIndex"])
	require.Equal(t, float64(10), dd["endIndex"])
}

func TestLiveUpdateAppendMode(t *testing.T) {
	fake := &fakeSheetsAPI{grid: GridProperties{RowCount: 5, ColumnCount: 2}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	builder := NewExportBuilder(testClient(t, srv.URL), slog.New(slog.DiscardHandler))
	err := builder.LiveUpdate(context.Background(), "existing-id",
		[]string{"respondent", "_uuid"},
		[][]string{{"Cara", "u3"}, {"Dan", "u4"}}, true)
	require.NoError(t, err)

	reqs := fake.recorded()
	// get metadata, append 2 rows, header write, data write
	require.Len(t, reqs, 4)

	appendRows := reqs[1]
	ad := appendRows.Body["requests"].([]any)[0].(map[string]any)["appendDimension"].(map[string]any)
	require.Equal(t, "ROWS", ad["dimension"])
	require.Equal(t, float64(2), ad["length"])

	require.Equal(t, "/spreadsheets/existing-id/values/data!A1:B1", reqs[2].Path)
	// new rows land after the existing grid
	require.Equal(t, "/spreadsheets/existing-id/values/data!A6:B7", reqs[3].Path)
}

func TestClientRetriesServerErrors(t *testing.T) {
	fake := &fakeSheetsAPI{fail: 2}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := testClient(t, srv.URL)
	_, err := client.GetSpreadsheet(context.Background(), "existing-id")
	require.NoError(t, err)
	require.Len(t, fake.recorded(), 3)
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": 400, "message": "bad range"}})
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)
	_, err := client.GetSpreadsheet(context.Background(), "x")
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad range")
	require.Equal(t, 1, calls)
}
