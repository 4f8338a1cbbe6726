package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	fserrors "git.home.luguber.info/inful/formsync/internal/errors"
	"git.home.luguber.info/inful/formsync/internal/events"
	"git.home.luguber.info/inful/formsync/internal/export"
	"git.home.luguber.info/inful/formsync/internal/form"
	"git.home.luguber.info/inful/formsync/internal/logfields"
	"git.home.luguber.info/inful/formsync/internal/metrics"
	"git.home.luguber.info/inful/formsync/internal/store"
)

// TotalCountHeader carries the pre-window submission count on list responses.
const TotalCountHeader = "X-Total-Count"

// FormSource resolves form definitions; nil means unknown form.
type FormSource interface {
	Get(formID string) *form.Definition
	IDs() []string
}

// Handlers implements the data API endpoints.
type Handlers struct {
	store      store.Store
	forms      FormSource
	formats    *formatRegistry
	adapter    *fserrors.HTTPErrorAdapter
	recorder   metrics.Recorder
	publisher  events.Publisher
	exportOpts export.Options
	logger     *slog.Logger
	started    time.Time
	version    string
}

// NewHandlers wires the data API handler set.
func NewHandlers(st store.Store, forms FormSource, recorder metrics.Recorder, publisher events.Publisher, exportOpts export.Options, version string, logger *slog.Logger) *Handlers {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Handlers{
		store:      st,
		forms:      forms,
		formats:    newFormatRegistry(),
		adapter:    fserrors.NewHTTPErrorAdapter(logger),
		recorder:   recorder,
		publisher:  publisher,
		exportOpts: exportOpts,
		logger:     logger,
		started:    time.Now(),
		version:    version,
	}
}

// HandleHealth reports service liveness.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   h.version,
		Uptime:    time.Since(h.started).Seconds(),
		Forms:     len(h.forms.IDs()),
	})
}

// HandleListForms lists the known forms with their submission counts.
func (h *Handlers) HandleListForms(w http.ResponseWriter, r *http.Request) {
	ids := h.forms.IDs()
	out := make([]FormSummary, 0, len(ids))
	for _, id := range ids {
		def := h.forms.Get(id)
		if def == nil {
			continue
		}
		count, err := h.store.Count(r.Context(), id, store.ListOptions{})
		if err != nil {
			h.adapter.WriteErrorResponse(w, r, err)
			return
		}
		out = append(out, FormSummary{ID: def.ID, Title: def.Title, Submissions: count})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleSubmit accepts a JSON submission for a form, persists it, and
// publishes a created event.
func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	formID := r.PathValue("formID")
	def := h.forms.Get(formID)
	if def == nil {
		h.recorder.IncSubmission(formID, "rejected")
		h.adapter.WriteErrorResponse(w, r, fserrors.NotFound("form "+formID))
		return
	}

	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		h.recorder.IncSubmission(formID, "rejected")
		h.adapter.WriteErrorResponse(w, r, fserrors.ValidationError("submission body must be a JSON object"))
		return
	}

	sub := &store.Submission{
		FormID:         formID,
		Data:           data,
		SubmissionTime: time.Now().UTC(),
	}
	if u, ok := data[store.MetaUUID].(string); ok && u != "" {
		sub.UUID = u
		delete(data, store.MetaUUID)
	} else {
		sub.UUID = uuid.NewString()
	}
	if v, ok := data[store.MetaVersion].(string); ok {
		sub.Version = v
		delete(data, store.MetaVersion)
	}

	id, err := h.store.Insert(r.Context(), sub)
	if err != nil {
		result := "rejected"
		if errors.Is(err, store.ErrDuplicate) {
			result = "duplicate"
			err = fserrors.ValidationError("submission with uuid " + sub.UUID + " already exists")
		}
		h.recorder.IncSubmission(formID, result)
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	h.recorder.IncSubmission(formID, "accepted")
	h.publishEvent(r, events.SubmissionEvent{
		Kind:         events.KindCreated,
		FormID:       formID,
		SubmissionID: id,
		UUID:         sub.UUID,
	})

	writeJSON(w, http.StatusCreated, SubmissionAccepted{
		Status:       "accepted",
		SubmissionID: id,
		UUID:         sub.UUID,
		Timestamp:    time.Now().UTC(),
	})
}

// HandleListData serves the submission list in the requested export format.
func (h *Handlers) HandleListData(w http.ResponseWriter, r *http.Request) {
	formID := r.PathValue("formID")
	format, segment := requestedFormat(r, r.PathValue("resource"))
	if segment != "data" {
		http.NotFound(w, r)
		return
	}

	def := h.forms.Get(formID)
	if def == nil {
		h.adapter.WriteErrorResponse(w, r, fserrors.NotFound("form "+formID))
		return
	}

	opts, err := parseListOptions(r)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	fields, err := parseFields(r)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	writer, contentType, err := h.formats.resolve(format)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	total, err := h.store.Count(r.Context(), formID, opts)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	subs, err := h.store.List(r.Context(), formID, opts)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	records := make([]map[string]any, 0, len(subs))
	for _, sub := range subs {
		records = append(records, projectRecord(sub.Record(), fields))
	}

	if format == "" {
		format = FormatJSON
	}
	h.recorder.IncDataRequest(formID, format)

	w.Header().Set("Content-Type", contentType)
	w.Header().Set(TotalCountHeader, strconv.Itoa(total))
	switch format {
	case FormatCSV:
		w.Header().Set("Content-Disposition", `attachment; filename="`+formID+`.csv"`)
	case FormatCSVZip:
		w.Header().Set("Content-Disposition", `attachment; filename="`+formID+`.zip"`)
	}

	started := time.Now()
	if err := writer(w, def, records, h.exportOpts); err != nil {
		h.logger.Error("export rendering failed",
			logfields.FormID(formID),
			logfields.Format(format),
			logfields.Error(err))
		return
	}
	h.recorder.ObserveExportDuration(formID, format, time.Since(started))
}

// HandleGetData retrieves one submission as JSON, or the stored raw
// document when the xml format is requested.
func (h *Handlers) HandleGetData(w http.ResponseWriter, r *http.Request) {
	format, idSegment := requestedFormat(r, r.PathValue("dataID"))
	sub, err := h.lookup(r, idSegment)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	switch format {
	case "", FormatJSON:
		writeJSON(w, http.StatusOK, sub.Record())
	case FormatXML:
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(sub.XML))
	default:
		h.adapter.WriteErrorResponse(w, r,
			fserrors.ValidationError("format "+format+" is not supported for a single submission"))
	}
}

// HandleEditData replaces a submission's data. The previous state is
// snapshotted into the edit history and an edited event is published.
func (h *Handlers) HandleEditData(w http.ResponseWriter, r *http.Request) {
	sub, err := h.lookup(r, r.PathValue("dataID"))
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		h.adapter.WriteErrorResponse(w, r, fserrors.ValidationError("submission body must be a JSON object"))
		return
	}
	delete(data, store.MetaUUID)

	editedBy := r.Header.Get("X-Edited-By")
	if err := h.store.Update(r.Context(), sub.FormID, sub.ID, data, "", editedBy); err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	h.publishEvent(r, events.SubmissionEvent{
		Kind:         events.KindEdited,
		FormID:       sub.FormID,
		SubmissionID: sub.ID,
		UUID:         sub.UUID,
	})

	updated, err := h.store.Get(r.Context(), sub.FormID, sub.ID)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated.Record())
}

// HandleDeleteData soft-deletes a submission and publishes a deleted event.
func (h *Handlers) HandleDeleteData(w http.ResponseWriter, r *http.Request) {
	sub, err := h.lookup(r, r.PathValue("dataID"))
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	if err := h.store.SoftDelete(r.Context(), sub.FormID, sub.ID, time.Now().UTC()); err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	h.publishEvent(r, events.SubmissionEvent{
		Kind:         events.KindDeleted,
		FormID:       sub.FormID,
		SubmissionID: sub.ID,
		UUID:         sub.UUID,
	})
	w.WriteHeader(http.StatusNoContent)
}

// HandleHistory lists a submission's edit history, most recent first.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if f := r.URL.Query().Get("format"); f != "" && f != FormatJSON {
		h.adapter.WriteErrorResponse(w, r,
			fserrors.ValidationError("history is only available as json"))
		return
	}
	sub, err := h.lookup(r, r.PathValue("dataID"))
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	entries, err := h.store.History(r.Context(), sub.FormID, sub.ID)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleListLabels lists a submission's labels.
func (h *Handlers) HandleListLabels(w http.ResponseWriter, r *http.Request) {
	sub, err := h.lookup(r, r.PathValue("dataID"))
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	tags, err := h.store.ListTags(r.Context(), sub.FormID, sub.ID)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

// HandleAddLabels adds labels from the request body: either
// {"labels": "a,b"} or {"labels": ["a","b"]}.
func (h *Handlers) HandleAddLabels(w http.ResponseWriter, r *http.Request) {
	sub, err := h.lookup(r, r.PathValue("dataID"))
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	labels, err := parseLabels(r)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	if err := h.store.AddTags(r.Context(), sub.FormID, sub.ID, labels); err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	tags, err := h.store.ListTags(r.Context(), sub.FormID, sub.ID)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tags)
}

// HandleRemoveLabel removes one label. The response body is the remaining
// label list; the status is 404 when the label was not present.
func (h *Handlers) HandleRemoveLabel(w http.ResponseWriter, r *http.Request) {
	sub, err := h.lookup(r, r.PathValue("dataID"))
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	removed, err := h.store.RemoveTag(r.Context(), sub.FormID, sub.ID, r.PathValue("label"))
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	tags, err := h.store.ListTags(r.Context(), sub.FormID, sub.ID)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	status := http.StatusOK
	if !removed {
		status = http.StatusNotFound
	}
	writeJSON(w, status, tags)
}

// lookup resolves {formID}/{dataID} to a stored submission.
func (h *Handlers) lookup(r *http.Request, idSegment string) (*store.Submission, error) {
	formID := r.PathValue("formID")
	if h.forms.Get(formID) == nil {
		return nil, fserrors.NotFound("form " + formID)
	}
	id, err := strconv.ParseInt(idSegment, 10, 64)
	if err != nil {
		return nil, fserrors.ValidationError("data id must be an integer")
	}
	sub, err := h.store.Get(r.Context(), formID, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, fserrors.NotFound("submission " + idSegment)
		}
		return nil, err
	}
	return sub, nil
}

func (h *Handlers) publishEvent(r *http.Request, event events.SubmissionEvent) {
	if err := h.publisher.Publish(r.Context(), event); err != nil {
		h.logger.Warn("failed to publish submission event",
			logfields.FormID(event.FormID),
			logfields.SubmissionID(event.SubmissionID),
			logfields.Error(err))
		return
	}
	h.recorder.IncEventPublished(event.Kind)
}

func parseListOptions(r *http.Request) (store.ListOptions, error) {
	q := r.URL.Query()
	opts := store.ListOptions{
		Query: q.Get("query"),
		Sort:  q.Get("sort"),
	}
	var err error
	if opts.Start, err = intParam(q.Get("start")); err != nil {
		return opts, fserrors.ValidationError("start must be an integer")
	}
	if opts.Limit, err = intParam(q.Get("limit")); err != nil {
		return opts, fserrors.ValidationError("limit must be an integer")
	}
	opts.Tags = splitTags(q.Get("tags"))
	opts.NotTagged = splitTags(q.Get("not_tagged"))
	if err := store.ValidateOptions(opts); err != nil {
		return opts, fserrors.ValidationError(err.Error())
	}
	return opts, nil
}

// parseFields reads the fields projection param: a JSON array of field names.
func parseFields(r *http.Request) ([]string, error) {
	raw := r.URL.Query().Get("fields")
	if raw == "" {
		return nil, nil
	}
	var fields []string
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fserrors.ValidationError("fields must be a JSON array of field names")
	}
	return fields, nil
}

func parseLabels(r *http.Request) ([]string, error) {
	var body struct {
		Labels json.RawMessage `json:"labels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Labels) == 0 {
		return nil, fserrors.ValidationError(`request body must carry a "labels" value`)
	}
	var list []string
	if err := json.Unmarshal(body.Labels, &list); err == nil {
		return list, nil
	}
	var joined string
	if err := json.Unmarshal(body.Labels, &joined); err == nil {
		return splitTags(joined), nil
	}
	return nil, fserrors.ValidationError(`"labels" must be a JSON array or comma-separated string`)
}

func projectRecord(record map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return record
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := record[f]; ok {
			out[f] = v
		}
	}
	return out
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
