package api

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"sort"
	"strings"

	fserrors "git.home.luguber.info/inful/formsync/internal/errors"
	"git.home.luguber.info/inful/formsync/internal/export"
	"git.home.luguber.info/inful/formsync/internal/form"
)

// Export format names accepted via the format query parameter or the
// .format path suffix on the data endpoint.
const (
	FormatJSON    = "json"
	FormatXML     = "xml"
	FormatCSV     = "csv"
	FormatCSVZip  = "csvzip"
	FormatGeoJSON = "geojson"
)

// formatWriter renders a record list in one export format.
type formatWriter func(w http.ResponseWriter, def *form.Definition, records []map[string]any, opts export.Options) error

// formatRegistry maps format names to their content type and writer.
type formatRegistry struct {
	writers      map[string]formatWriter
	contentTypes map[string]string
}

func newFormatRegistry() *formatRegistry {
	r := &formatRegistry{
		writers:      make(map[string]formatWriter),
		contentTypes: make(map[string]string),
	}
	r.register(FormatJSON, "application/json", writeJSONRecords)
	r.register(FormatXML, "application/xml", writeXMLRecords)
	r.register(FormatCSV, "text/csv", func(w http.ResponseWriter, def *form.Definition, records []map[string]any, opts export.Options) error {
		return export.WriteCSV(w, def, records, opts)
	})
	r.register(FormatCSVZip, "application/zip", func(w http.ResponseWriter, def *form.Definition, records []map[string]any, opts export.Options) error {
		return export.WriteCSVZip(w, def, records, opts)
	})
	r.register(FormatGeoJSON, "application/geo+json", func(w http.ResponseWriter, def *form.Definition, records []map[string]any, _ export.Options) error {
		return export.WriteGeoJSON(w, def, records)
	})
	return r
}

func (r *formatRegistry) register(name, contentType string, writer formatWriter) {
	r.writers[name] = writer
	r.contentTypes[name] = contentType
}

// resolve returns the writer and content type for a format name, or an
// error listing the supported formats.
func (r *formatRegistry) resolve(name string) (formatWriter, string, error) {
	if name == "" {
		name = FormatJSON
	}
	writer, ok := r.writers[name]
	if !ok {
		names := make([]string, 0, len(r.writers))
		for n := range r.writers {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, "", fserrors.ValidationError(
			fmt.Sprintf("unsupported format %q, expected one of %s", name, strings.Join(names, ", ")))
	}
	return writer, r.contentTypes[name], nil
}

// requestedFormat extracts the export format from the format query
// parameter or a dotted suffix on the last path segment ("data.csv").
func requestedFormat(r *http.Request, lastSegment string) (format, segment string) {
	segment = lastSegment
	if idx := strings.LastIndex(lastSegment, "."); idx >= 0 {
		segment = lastSegment[:idx]
		format = lastSegment[idx+1:]
	}
	if q := r.URL.Query().Get("format"); q != "" {
		format = q
	}
	return format, segment
}

func writeJSONRecords(w http.ResponseWriter, _ *form.Definition, records []map[string]any, _ export.Options) error {
	return json.NewEncoder(w).Encode(records)
}

// xmlRecord renders one flat record as <submission> with answer elements.
type xmlRecord map[string]any

func (rec xmlRecord) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Name.Local = "submission"
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := xml.Name{Local: xmlElementName(k)}
		if err := e.EncodeElement(fmt.Sprintf("%v", rec[k]), xml.StartElement{Name: name}); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

// xmlElementName sanitizes a record key into a valid XML element name.
func xmlElementName(key string) string {
	name := strings.NewReplacer("/", "_", "[", "_", "]", "").Replace(key)
	if name == "" || (!isXMLNameStart(rune(name[0])) && name[0] != '_') {
		name = "_" + name
	}
	return name
}

func isXMLNameStart(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func writeXMLRecords(w http.ResponseWriter, _ *form.Definition, records []map[string]any, _ export.Options) error {
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	root := xml.StartElement{Name: xml.Name{Local: "submissions"}}
	if err := enc.EncodeToken(root); err != nil {
		return err
	}
	for _, rec := range records {
		if err := enc.Encode(xmlRecord(rec)); err != nil {
			return err
		}
	}
	if err := enc.EncodeToken(root.End()); err != nil {
		return err
	}
	return enc.Flush()
}
