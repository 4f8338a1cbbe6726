package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/formsync/internal/config"
	"git.home.luguber.info/inful/formsync/internal/events"
	"git.home.luguber.info/inful/formsync/internal/export"
	"git.home.luguber.info/inful/formsync/internal/form"
	"git.home.luguber.info/inful/formsync/internal/metrics"
	"git.home.luguber.info/inful/formsync/internal/store"
)

const surveyYAML = `
id: household_survey
title: Household Survey
fields:
  - name: respondent
    type: text
  - name: location
    type: geopoint
  - name: water_sources
    type: select_multiple
    choices: [river, well, piped]
`

type staticForms struct{ defs map[string]*form.Definition }

func (s staticForms) Get(formID string) *form.Definition { return s.defs[formID] }
func (s staticForms) IDs() []string {
	out := make([]string, 0, len(s.defs))
	for id := range s.defs {
		out = append(out, id)
	}
	return out
}

type capturingPublisher struct{ published []events.SubmissionEvent }

func (p *capturingPublisher) Publish(_ context.Context, e events.SubmissionEvent) error {
	p.published = append(p.published, e)
	return nil
}

type fixture struct {
	store     store.Store
	publisher *capturingPublisher
	handler   http.Handler
}

func newFixture(t *testing.T, adminToken string) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	def, err := form.Parse([]byte(surveyYAML))
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	publisher := &capturingPublisher{}
	handlers := NewHandlers(st,
		staticForms{defs: map[string]*form.Definition{"household_survey": def}},
		metrics.NoopRecorder{}, publisher, export.DefaultOptions(), "test", logger)
	server := NewServer(config.ServerConfig{AdminToken: adminToken}, handlers, nil, logger)
	return &fixture{store: st, publisher: publisher, handler: server.Routes()}
}

func (f *fixture) insert(t *testing.T, uuid string, data map[string]any) int64 {
	t.Helper()
	id, err := f.store.Insert(context.Background(), &store.Submission{
		FormID:         "household_survey",
		UUID:           uuid,
		Data:           data,
		SubmissionTime: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "")
	rec := f.request(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, "ok", health.Status)
	require.Equal(t, 1, health.Forms)
}

func TestSubmitAndList(t *testing.T) {
	f := newFixture(t, "")

	rec := f.request(t, http.MethodPost, "/forms/household_survey/submissions", "",
		map[string]any{"respondent": "Ada", "water_sources": "river well"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var accepted SubmissionAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.UUID)
	require.Len(t, f.publisher.published, 1)
	require.Equal(t, events.KindCreated, f.publisher.published[0].Kind)

	rec = f.request(t, http.MethodGet, "/forms/household_survey/data", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1", rec.Header().Get(TotalCountHeader))

	var records []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	require.Equal(t, "Ada", records[0]["respondent"])
	require.Equal(t, accepted.UUID, records[0]["_uuid"])
}

func TestSubmitUnknownForm(t *testing.T) {
	f := newFixture(t, "")
	rec := f.request(t, http.MethodPost, "/forms/nope/submissions", "", map[string]any{"a": 1})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitDuplicateUUID(t *testing.T) {
	f := newFixture(t, "")
	body := map[string]any{"respondent": "Ada", "_uuid": "fixed-uuid"}
	rec := f.request(t, http.MethodPost, "/forms/household_survey/submissions", "", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.request(t, http.MethodPost, "/forms/household_survey/submissions", "",
		map[string]any{"respondent": "Ada again", "_uuid": "fixed-uuid"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListWindowingAndTotalCount(t *testing.T) {
	f := newFixture(t, "")
	for _, name := range []string{"a", "b", "c"} {
		f.insert(t, "uuid-"+name, map[string]any{"respondent": name})
	}

	rec := f.request(t, http.MethodGet, "/forms/household_survey/data?start=1&limit=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "3", rec.Header().Get(TotalCountHeader))

	var records []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	require.Equal(t, "b", records[0]["respondent"])
}

func TestListBadWindowParams(t *testing.T) {
	f := newFixture(t, "")
	rec := f.request(t, http.MethodGet, "/forms/household_survey/data?start=abc", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.request(t, http.MethodGet, "/forms/household_survey/data?query=notjson", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.request(t, http.MethodGet, `/forms/household_survey/data?query={"a":{"$bogus":1}}`, "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.request(t, http.MethodGet, "/forms/household_survey/data?limit=1.5", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListFieldsProjection(t *testing.T) {
	f := newFixture(t, "")
	f.insert(t, "u1", map[string]any{"respondent": "Ada", "extra": "x"})

	rec := f.request(t, http.MethodGet, `/forms/household_survey/data?fields=["respondent"]`, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var records []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Equal(t, map[string]any{"respondent": "Ada"}, records[0])
}

func TestListQueryFilter(t *testing.T) {
	f := newFixture(t, "")
	f.insert(t, "u1", map[string]any{"respondent": "Ada"})
	f.insert(t, "u2", map[string]any{"respondent": "Bea"})

	rec := f.request(t, http.MethodGet, `/forms/household_survey/data?query={"respondent":"Bea"}`, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1", rec.Header().Get(TotalCountHeader))
}

func TestListCSVFormatSuffix(t *testing.T) {
	f := newFixture(t, "")
	f.insert(t, "u1", map[string]any{"respondent": "Ada", "water_sources": "river"})

	rec := f.request(t, http.MethodGet, "/forms/household_survey/data.csv", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Content-Disposition"), "household_survey.csv")

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "respondent,"))
}

func TestListGeoJSONFormat(t *testing.T) {
	f := newFixture(t, "")
	f.insert(t, "u1", map[string]any{"respondent": "Ada", "location": "1.5 36.9 1700 4"})

	rec := f.request(t, http.MethodGet, "/forms/household_survey/data?format=geojson", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "FeatureCollection")
}

func TestListUnknownFormat(t *testing.T) {
	f := newFixture(t, "")
	rec := f.request(t, http.MethodGet, "/forms/household_survey/data?format=xlsx", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSingleRecord(t *testing.T) {
	f := newFixture(t, "")
	id := f.insert(t, "u1", map[string]any{"respondent": "Ada"})

	rec := f.request(t, http.MethodGet, "/forms/household_survey/data/1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var record map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	require.Equal(t, float64(id), record["_id"])
	require.Equal(t, "Ada", record["respondent"])

	rec = f.request(t, http.MethodGet, "/forms/household_survey/data/abc", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(t, http.MethodGet, "/forms/household_survey/data/999", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.request(t, http.MethodGet, "/forms/household_survey/data/1?format=csv", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSoftDeleteHidesRecord(t *testing.T) {
	f := newFixture(t, "")
	f.insert(t, "u1", map[string]any{"respondent": "Ada"})

	rec := f.request(t, http.MethodDelete, "/forms/household_survey/data/1", "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, f.publisher.published, 1)
	require.Equal(t, events.KindDeleted, f.publisher.published[0].Kind)

	rec = f.request(t, http.MethodGet, "/forms/household_survey/data", "", nil)
	require.Equal(t, "0", rec.Header().Get(TotalCountHeader))

	rec = f.request(t, http.MethodGet, "/forms/household_survey/data/1", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminTokenGuardsMutations(t *testing.T) {
	f := newFixture(t, "secret")
	f.insert(t, "u1", map[string]any{"respondent": "Ada"})

	rec := f.request(t, http.MethodDelete, "/forms/household_survey/data/1", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.request(t, http.MethodDelete, "/forms/household_survey/data/1", "wrong", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.request(t, http.MethodDelete, "/forms/household_survey/data/1", "secret", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestEditReplacesDataAndSnapshotsHistory(t *testing.T) {
	f := newFixture(t, "")
	f.insert(t, "u1", map[string]any{"respondent": "Ada"})

	rec := f.request(t, http.MethodPut, "/forms/household_survey/data/1", "",
		map[string]any{"respondent": "Ada Lovelace"})
	require.Equal(t, http.StatusOK, rec.Code)

	var updated map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	require.Equal(t, "Ada Lovelace", updated["respondent"])
	require.Equal(t, true, updated["_edited"])

	require.Len(t, f.publisher.published, 1)
	require.Equal(t, events.KindEdited, f.publisher.published[0].Kind)

	rec = f.request(t, http.MethodGet, "/forms/household_survey/data/1/history", "", nil)
	var entries []store.HistoryEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	require.Equal(t, "Ada", entries[0].Data["respondent"])
}

func TestHistoryAfterEdit(t *testing.T) {
	f := newFixture(t, "")
	id := f.insert(t, "u1", map[string]any{"respondent": "Ada"})
	require.NoError(t, f.store.Update(context.Background(), "household_survey", id,
		map[string]any{"respondent": "Ada Lovelace"}, "", "editor"))

	rec := f.request(t, http.MethodGet, "/forms/household_survey/data/1/history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []store.HistoryEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	require.Equal(t, "Ada", entries[0].Data["respondent"])

	rec = f.request(t, http.MethodGet, "/forms/household_survey/data/1/history?format=csv", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLabelLifecycle(t *testing.T) {
	f := newFixture(t, "")
	f.insert(t, "u1", map[string]any{"respondent": "Ada"})

	rec := f.request(t, http.MethodPost, "/forms/household_survey/data/1/labels", "",
		map[string]any{"labels": []string{"verified", "west"}})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.request(t, http.MethodPost, "/forms/household_survey/data/1/labels", "",
		map[string]any{"labels": "east,north"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.request(t, http.MethodGet, "/forms/household_survey/data/1/labels", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var labels []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &labels))
	require.Equal(t, []string{"east", "north", "verified", "west"}, labels)

	rec = f.request(t, http.MethodDelete, "/forms/household_survey/data/1/labels/west", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &labels))
	require.NotContains(t, labels, "west")

	rec = f.request(t, http.MethodDelete, "/forms/household_survey/data/1/labels/west", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTagFilter(t *testing.T) {
	f := newFixture(t, "")
	id := f.insert(t, "u1", map[string]any{"respondent": "Ada"})
	f.insert(t, "u2", map[string]any{"respondent": "Bea"})
	require.NoError(t, f.store.AddTags(context.Background(), "household_survey", id, []string{"verified"}))

	rec := f.request(t, http.MethodGet, "/forms/household_survey/data?tags=verified", "", nil)
	require.Equal(t, "1", rec.Header().Get(TotalCountHeader))

	rec = f.request(t, http.MethodGet, "/forms/household_survey/data?not_tagged=verified", "", nil)
	require.Equal(t, "1", rec.Header().Get(TotalCountHeader))
	var records []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Equal(t, "Bea", records[0]["respondent"])
}

func TestXMLListFormat(t *testing.T) {
	f := newFixture(t, "")
	f.insert(t, "u1", map[string]any{"respondent": "Ada"})

	rec := f.request(t, http.MethodGet, "/forms/household_survey/data?format=xml", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "<submissions>")
	require.Contains(t, rec.Body.String(), "<respondent>Ada</respondent>")
}
