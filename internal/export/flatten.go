// Package export flattens nested submission records into tabular rows and
// writes them as CSV, zipped CSV, or GeoJSON. Repeat groups become indexed
// column families discovered from the data; select-multiple answers split
// into per-choice columns; geopoints split into coordinate components.
package export

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"git.home.luguber.info/inful/formsync/internal/form"
	"git.home.luguber.info/inful/formsync/internal/store"
)

// Column group delimiters.
const (
	GroupDelimiterSlash = "/"
	GroupDelimiterDot   = "."
	DefaultNARep        = "n/a"
)

// Options tunes flattening and header rendering.
type Options struct {
	GroupDelimiter        string // "/" (default) or "."
	RemoveGroupName       bool   // strip group prefixes from header names
	SplitSelectMultiples  bool   // one column per choice
	BinarySelectMultiples bool   // 1/0 instead of true/false choice columns
	IncludeLabels         bool   // emit a label row after the column-name row
	IncludeLabelsOnly     bool   // emit only the label row
	NARep                 string // rendering of missing values
}

// DefaultOptions returns the option set matching the default export behavior.
func DefaultOptions() Options {
	return Options{
		GroupDelimiter:       GroupDelimiterSlash,
		SplitSelectMultiples: true,
		NARep:                DefaultNARep,
	}
}

// ignoredColumns are system fields never emitted in tabular output.
var ignoredColumns = map[string]bool{
	store.MetaXFormIDString: true,
	store.MetaStatus:        true,
	store.MetaID:            true,
	store.MetaAttachments:   true,
	store.MetaGeolocation:   true,
	store.MetaBambooDataset: true,
	store.MetaDeletedAt:     true,
	store.MetaEdited:        true,
}

// additionalColumns are meta fields appended after the form columns.
var additionalColumns = []string{
	store.MetaUUID,
	store.MetaSubmissionTime,
	store.MetaTags,
	store.MetaNotes,
	store.MetaVersion,
	store.MetaDuration,
	store.MetaSubmittedBy,
}

// columnIndex is an insertion-ordered map of column path to its expansion:
// a nil family means the path itself is the single column, a non-nil family
// lists the expanded columns (repeat indexes, choices, gps components).
type columnIndex struct {
	keys     []string
	families map[string][]string
	isFamily map[string]bool
}

func newColumnIndex() *columnIndex {
	return &columnIndex{
		families: make(map[string][]string),
		isFamily: make(map[string]bool),
	}
}

func (ci *columnIndex) ensure(key string, family bool) {
	if _, ok := ci.isFamily[key]; !ok {
		ci.keys = append(ci.keys, key)
	}
	ci.isFamily[key] = family || ci.isFamily[key]
}

func (ci *columnIndex) setFamily(key string, cols []string) {
	ci.ensure(key, true)
	ci.families[key] = cols
}

func (ci *columnIndex) appendToFamily(key, col string) {
	ci.ensure(key, true)
	for _, existing := range ci.families[key] {
		if existing == col {
			return
		}
	}
	ci.families[key] = append(ci.families[key], col)
}

func (ci *columnIndex) columns() []string {
	var out []string
	for _, key := range ci.keys {
		if ci.isFamily[key] {
			out = append(out, ci.families[key]...)
			continue
		}
		out = append(out, key)
	}
	return out
}

// Flattener flattens submission records against one form definition.
type Flattener struct {
	def  *form.Definition
	opts Options

	cols            *columnIndex
	selectMultiples map[string][]string
	gpsFields       map[string]bool
	repeatFamilies  map[string]bool
}

// NewFlattener builds a flattener for a form definition.
func NewFlattener(def *form.Definition, opts Options) *Flattener {
	if opts.GroupDelimiter == "" {
		opts.GroupDelimiter = GroupDelimiterSlash
	}
	if opts.NARep == "" {
		opts.NARep = DefaultNARep
	}
	f := &Flattener{
		def:             def,
		opts:            opts,
		selectMultiples: def.SelectMultiples(),
		gpsFields:       make(map[string]bool),
	}
	for _, p := range def.GeopointPaths() {
		f.gpsFields[p] = true
	}
	f.buildOrderedColumns()
	return f
}

// buildOrderedColumns seeds the column index from the form definition:
// questions in document order, repeat sections as empty dynamic families.
// Every repeat gets a family at its definition position, nested ones
// included. Questions inside repeats are excluded, their columns are
// discovered per-index from the data.
func (f *Flattener) buildOrderedColumns() {
	f.cols = newColumnIndex()
	f.repeatFamilies = make(map[string]bool)
	var walk func(fields []*form.Field, inRepeat bool)
	walk = func(fields []*form.Field, inRepeat bool) {
		for _, fld := range fields {
			switch {
			case fld.Type == form.TypeRepeat:
				f.cols.setFamily(fld.Path(), []string{})
				f.repeatFamilies[fld.Path()] = true
				walk(fld.Fields, true)
			case fld.Type == form.TypeGroup:
				walk(fld.Fields, inRepeat)
			case fld.Type == form.TypeNote:
				// notes carry no data
			default:
				if !inRepeat {
					f.cols.ensure(fld.Path(), false)
				}
			}
		}
	}
	walk(f.def.Fields, false)
}

func (f *Flattener) inRepeat(path string) bool {
	fld := f.def.FieldByPath(path)
	for fld != nil {
		if fld.Type == form.TypeRepeat {
			return true
		}
		fld = fld.Parent()
	}
	return false
}

// Result is the outcome of flattening a record set.
type Result struct {
	Columns []string
	Rows    []map[string]any
}

// Flatten processes the records and returns the final ordered column list
// together with one flat row map per record.
func (f *Flattener) Flatten(records []map[string]any) (*Result, error) {
	// Expand select-multiple and geopoint columns before the data pass so
	// they hold their definition position even when the data lacks them.
	// Questions inside repeats keep their per-index discovery.
	if f.opts.SplitSelectMultiples {
		for key, choices := range f.selectMultiples {
			if !f.inRepeat(key) {
				f.cols.setFamily(key, dedup(choices))
			}
		}
	}
	for key := range f.gpsFields {
		if !f.inRepeat(key) {
			f.cols.setFamily(key, append([]string{key}, form.GeopointColumnPaths(key)...))
		}
	}

	rows := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		flat, err := f.flattenRecord(rec)
		if err != nil {
			return nil, err
		}
		rows = append(rows, flat)
	}

	columns := f.cols.columns()
	columns = append(columns, additionalColumns...)
	return &Result{Columns: columns, Rows: rows}, nil
}

func (f *Flattener) flattenRecord(rec map[string]any) (map[string]any, error) {
	norm := f.normalizeRecord(rec)
	if f.opts.SplitSelectMultiples {
		f.splitSelectMultiples(norm)
	}
	f.splitGPSFields(norm)
	tagEditString(norm)

	flat := make(map[string]any, len(norm))
	for key, value := range norm {
		if ignoredColumns[key] {
			continue
		}
		if err := f.reindex(key, value, nil, flat); err != nil {
			return nil, err
		}
	}
	return flat, nil
}

// normalizeRecord flattens nested group maps into slash-joined keys and
// normalizes repeat entries so that keys inside a repeat carry the full path
// from the form root ("children/age"). Lists stay lists (repeat values).
func (f *Flattener) normalizeRecord(rec map[string]any) map[string]any {
	out := make(map[string]any, len(rec))
	f.normalizeInto(out, "", rec)
	return out
}

func (f *Flattener) normalizeInto(out map[string]any, prefix string, rec map[string]any) {
	for key, value := range rec {
		path := key
		if prefix != "" && !strings.HasPrefix(key, prefix+"/") {
			path = prefix + "/" + key
		}
		switch v := value.(type) {
		case map[string]any:
			f.normalizeInto(out, path, v)
		case []any:
			if isListOfMaps(v) {
				entries := make([]any, 0, len(v))
				for _, item := range v {
					entry := make(map[string]any)
					f.normalizeInto(entry, path, item.(map[string]any))
					entries = append(entries, entry)
				}
				out[path] = entries
			} else {
				out[path] = v
			}
		default:
			out[path] = value
		}
	}
}

func isListOfMaps(list []any) bool {
	if len(list) == 0 {
		return false
	}
	for _, item := range list {
		if _, ok := item.(map[string]any); !ok {
			return false
		}
	}
	return true
}

// splitSelectMultiples replaces each select-multiple answer with one entry
// per choice. Values are true/false, or 1/0 in binary mode. Recurses into
// repeat entries.
func (f *Flattener) splitSelectMultiples(rec map[string]any) {
	for key, choices := range f.selectMultiples {
		raw, ok := rec[key]
		if ok {
			var selections []string
			if s, isStr := raw.(string); isStr && s != "" {
				for _, part := range strings.Fields(s) {
					selections = append(selections, key+"/"+part)
				}
			}
			delete(rec, key)
			for _, choice := range choices {
				selected := contains(selections, choice)
				if f.opts.BinarySelectMultiples {
					if selected {
						rec[choice] = 1
					} else {
						rec[choice] = 0
					}
				} else {
					rec[choice] = selected
				}
			}
		}
	}
	for _, value := range rec {
		if list, ok := value.([]any); ok {
			for _, item := range list {
				if entry, ok := item.(map[string]any); ok {
					f.splitSelectMultiples(entry)
				}
			}
		}
	}
}

// splitGPSFields splits space-separated geopoint answers into latitude,
// longitude, altitude, and precision components. The raw value is kept.
// A malformed value yields empty components.
func (f *Flattener) splitGPSFields(rec map[string]any) {
	updated := make(map[string]any)
	for key, value := range rec {
		if f.gpsFields[key] {
			if s, ok := value.(string); ok {
				components := form.GeopointColumnPaths(key)
				for _, c := range components {
					updated[c] = nil
				}
				parts := strings.Fields(s)
				if len(parts) == len(components) {
					for i, c := range components {
						updated[c] = parts[i]
					}
				}
			}
			continue
		}
		if list, ok := value.([]any); ok {
			for _, item := range list {
				if entry, ok := item.(map[string]any); ok {
					f.splitGPSFields(entry)
				}
			}
		}
	}
	for k, v := range updated {
		rec[k] = v
	}
}

// tagEditString renders a tag list as a sorted comma-joined string; tags
// containing both a comma and a space are quoted.
func tagEditString(rec map[string]any) {
	raw, ok := rec[store.MetaTags]
	if !ok {
		return
	}
	var tags []string
	switch v := raw.(type) {
	case []string:
		tags = v
	case []any:
		for _, t := range v {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
	default:
		return
	}
	quoted := make([]string, 0, len(tags))
	for _, tag := range tags {
		if strings.Contains(tag, ",") && strings.Contains(tag, " ") {
			quoted = append(quoted, `"`+tag+`"`)
		} else {
			quoted = append(quoted, tag)
		}
	}
	sort.Strings(quoted)
	rec[store.MetaTags] = strings.Join(quoted, ", ")
}

// reindex flattens list values by appending a 1-based index to the repeat
// path segment; scalars pass through. Nested repeats recurse with the
// parent's indexed prefix so inner indexes nest ("children[2]/toys[1]/name").
func (f *Flattener) reindex(key string, value any, parentPrefix []string, flat map[string]any) error {
	list, isList := value.([]any)
	if !isList || len(list) == 0 || key == store.MetaAttachments || key == store.MetaNotes {
		if key == store.MetaNotes {
			flat[key] = ""
			return nil
		}
		flat[key] = value
		return nil
	}
	if !isListOfMaps(list) {
		// scalar list: join by space
		parts := make([]string, 0, len(list))
		for _, item := range list {
			parts = append(parts, stringify(item, ""))
		}
		flat[key] = strings.Join(parts, " ")
		return nil
	}

	for index, item := range list {
		entry := item.(map[string]any)
		ordered := f.orderRepeatEntry(key, entry)
		for _, nestedKey := range ordered {
			nestedVal := entry[nestedKey]
			pos := strings.Index(nestedKey, key)
			if pos < 0 {
				return fmt.Errorf("repeat entry key %q outside repeat %q", nestedKey, key)
			}
			head := fmt.Sprintf("%s[%d]", nestedKey[:pos+len(key)], index+1)
			rest := nestedKey[pos+len(key):]
			rest = strings.TrimPrefix(rest, "/")
			xpaths := strings.Split(head, "/")
			if rest != "" {
				xpaths = append(xpaths, strings.Split(rest, "/")...)
			}
			if nestedList, ok := nestedVal.([]any); ok && isListOfMaps(nestedList) {
				if err := f.reindex(nestedKey, nestedVal, xpaths[:len(xpaths)-1], flat); err != nil {
					return err
				}
				continue
			}
			if len(parentPrefix) > 0 && len(parentPrefix) <= len(xpaths) {
				copy(xpaths, parentPrefix)
			}
			newXpath := strings.Join(xpaths, "/")
			f.cols.appendToFamily(f.repeatFamilyKey(key), newXpath)
			flat[newXpath] = nestedVal
		}
	}
	return nil
}

// repeatFamilyKey resolves a repeat path to its registered column family:
// the longest registered repeat path prefixing it. Repeats absent from the
// definition collect under their own path.
func (f *Flattener) repeatFamilyKey(key string) string {
	for p := key; ; {
		if f.repeatFamilies[p] {
			return p
		}
		idx := strings.LastIndex(p, "/")
		if idx < 0 {
			return key
		}
		p = p[:idx]
	}
}

// orderRepeatEntry orders a repeat entry's keys by the form definition,
// unknown keys last in lexical order.
func (f *Flattener) orderRepeatEntry(repeatPath string, entry map[string]any) []string {
	known := make([]string, 0, len(entry))
	seen := make(map[string]bool, len(entry))
	var orderWalk func(fields []*form.Field)
	orderWalk = func(fields []*form.Field) {
		for _, fld := range fields {
			if fld.IsSection() {
				if fld.Type == form.TypeRepeat {
					if _, ok := entry[fld.Path()]; ok {
						known = append(known, fld.Path())
						seen[fld.Path()] = true
					}
					continue
				}
				orderWalk(fld.Fields)
				continue
			}
			paths := []string{fld.Path()}
			if fld.Type == form.TypeSelectMultiple {
				paths = fld.ChoicePaths()
			} else if fld.Type == form.TypeGeopoint {
				paths = append(paths, form.GeopointColumnPaths(fld.Path())...)
			}
			for _, p := range paths {
				if _, ok := entry[p]; ok && !seen[p] {
					known = append(known, p)
					seen[p] = true
				}
			}
		}
	}
	if section := f.def.FieldByPath(repeatPath); section != nil && section.IsSection() {
		orderWalk(section.Fields)
	}

	var unknown []string
	for k := range entry {
		if !seen[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	return append(known, unknown...)
}

// HeaderRows renders the header rows for the column list per the options:
// the column-name row (possibly group-stripped and redelimited) and/or the
// label row.
func (f *Flattener) HeaderRows(columns []string) [][]string {
	var rows [][]string
	if !f.opts.IncludeLabelsOnly {
		names := make([]string, len(columns))
		for i, col := range columns {
			names[i] = f.headerName(col)
		}
		rows = append(rows, names)
	}
	if f.opts.IncludeLabels || f.opts.IncludeLabelsOnly {
		labels := make([]string, len(columns))
		for i, col := range columns {
			labels[i] = f.def.LabelForColumn(col)
		}
		rows = append(rows, labels)
	}
	return rows
}

func (f *Flattener) headerName(col string) string {
	name := col
	if f.opts.RemoveGroupName {
		if idx := strings.LastIndex(name, "/"); idx >= 0 {
			name = name[idx+1:]
		}
	}
	if f.opts.GroupDelimiter != GroupDelimiterSlash {
		name = strings.ReplaceAll(name, GroupDelimiterSlash, f.opts.GroupDelimiter)
	}
	return name
}

// RenderRow renders one flat row against the column list, filling missing
// values with the NA representation.
func (f *Flattener) RenderRow(row map[string]any, columns []string) []string {
	out := make([]string, len(columns))
	for i, col := range columns {
		value, ok := row[col]
		if !ok || value == nil {
			out[i] = f.opts.NARep
			continue
		}
		out[i] = stringify(value, f.opts.NARep)
	}
	return out
}

func stringify(value any, naRep string) string {
	switch v := value.(type) {
	case nil:
		return naRep
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func dedup(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
