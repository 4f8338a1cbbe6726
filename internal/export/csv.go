package export

import (
	"archive/zip"
	"encoding/csv"
	"io"

	fserrors "git.home.luguber.info/inful/formsync/internal/errors"
	"git.home.luguber.info/inful/formsync/internal/form"
)

// WriteCSV flattens the records and streams them as CSV.
func WriteCSV(w io.Writer, def *form.Definition, records []map[string]any, opts Options) error {
	flattener := NewFlattener(def, opts)
	result, err := flattener.Flatten(records)
	if err != nil {
		return fserrors.WrapError(err, fserrors.CategoryExport, "flattening records for csv export")
	}

	cw := csv.NewWriter(w)
	for _, header := range flattener.HeaderRows(result.Columns) {
		if err := cw.Write(header); err != nil {
			return fserrors.WrapError(err, fserrors.CategoryExport, "writing csv header")
		}
	}
	for _, row := range result.Rows {
		if err := cw.Write(flattener.RenderRow(row, result.Columns)); err != nil {
			return fserrors.WrapError(err, fserrors.CategoryExport, "writing csv row")
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fserrors.WrapError(err, fserrors.CategoryExport, "flushing csv output")
	}
	return nil
}

// WriteCSVZip writes the CSV export as a single-entry zip archive named
// after the form.
func WriteCSVZip(w io.Writer, def *form.Definition, records []map[string]any, opts Options) error {
	zw := zip.NewWriter(w)
	entry, err := zw.Create(def.ID + ".csv")
	if err != nil {
		return fserrors.WrapError(err, fserrors.CategoryExport, "creating zip entry")
	}
	if err := WriteCSV(entry, def, records, opts); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return fserrors.WrapError(err, fserrors.CategoryExport, "closing zip archive")
	}
	return nil
}
