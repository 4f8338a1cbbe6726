package sheets

import (
	"context"
	"log/slog"

	fserrors "git.home.luguber.info/inful/formsync/internal/errors"
	"git.home.luguber.info/inful/formsync/internal/logfields"
)

// DefaultSheetTitle is the tab name exports write to.
const DefaultSheetTitle = "data"

// ExportBuilder writes flattened export tables to a spreadsheet, creating
// the spreadsheet on first export and resizing the grid on updates.
type ExportBuilder struct {
	client *Client
	logger *slog.Logger
}

// NewExportBuilder wraps a client for table exports.
func NewExportBuilder(client *Client, logger *slog.Logger) *ExportBuilder {
	return &ExportBuilder{client: client, logger: logger}
}

// Export creates a new spreadsheet sized to the table, writes the header on
// row 1 and the data from row 2, and returns the new spreadsheet ID.
func (b *ExportBuilder) Export(ctx context.Context, title string, header []string, rows [][]string) (string, error) {
	created, err := b.client.CreateSpreadsheet(ctx, title, DefaultSheetTitle, len(rows)+1, len(header))
	if err != nil {
		return "", err
	}
	id := created.SpreadsheetID
	if err := b.writeTable(ctx, id, header, rows, 1); err != nil {
		return "", err
	}
	return id, nil
}

// LiveUpdate pushes the current table into an existing spreadsheet. In
// overwrite mode the whole table replaces the sheet contents and surplus
// rows are deleted; in append mode only the new rows are written after the
// existing grid. The grid grows as needed in both modes.
func (b *ExportBuilder) LiveUpdate(ctx context.Context, spreadsheetID string, header []string, rows [][]string, appendMode bool) error {
	sheetID, grid, err := b.sheetGrid(ctx, spreadsheetID)
	if err != nil {
		return err
	}

	if toAdd := len(header) - grid.ColumnCount; toAdd > 0 {
		if err := b.client.AppendColumns(ctx, spreadsheetID, sheetID, toAdd); err != nil {
			return err
		}
	}

	if appendMode {
		startRow := grid.RowCount + 1
		if grid.RowCount <= 1 {
			startRow = 2
		}
		rowsToAdd := startRow + len(rows) - 1 - grid.RowCount
		if err := b.client.AppendRows(ctx, spreadsheetID, sheetID, rowsToAdd); err != nil {
			return err
		}
		if err := b.client.UpdateValues(ctx, spreadsheetID,
			RowRange(DefaultSheetTitle, 1, 1, len(header)), [][]string{header}); err != nil {
			return err
		}
		if len(rows) > 0 {
			dataRange := CellRange(DefaultSheetTitle, startRow, 1, startRow+len(rows)-1, len(header))
			if err := b.client.UpdateValues(ctx, spreadsheetID, dataRange, rows); err != nil {
				return err
			}
		}
		b.logger.Info("appended rows to spreadsheet",
			logfields.SpreadsheetID(spreadsheetID),
			logfields.RowCount(len(rows)))
		return nil
	}

	needed := len(rows) + 1
	if toAdd := needed - grid.RowCount; toAdd > 0 {
		if err := b.client.AppendRows(ctx, spreadsheetID, sheetID, toAdd); err != nil {
			return err
		}
	}
	if err := b.writeTable(ctx, spreadsheetID, header, rows, 1); err != nil {
		return err
	}
	if grid.RowCount > needed {
		// drop stale rows left over from a previous, larger export
		if err := b.client.DeleteRows(ctx, spreadsheetID, sheetID, needed, grid.RowCount); err != nil {
			return err
		}
	}
	b.logger.Info("rewrote spreadsheet",
		logfields.SpreadsheetID(spreadsheetID),
		logfields.RowCount(len(rows)),
		logfields.ColumnCount(len(header)))
	return nil
}

func (b *ExportBuilder) writeTable(ctx context.Context, spreadsheetID string, header []string, rows [][]string, headerRow int) error {
	values := make([][]string, 0, len(rows)+1)
	values = append(values, header)
	values = append(values, rows...)
	tableRange := CellRange(DefaultSheetTitle, headerRow, 1, headerRow+len(rows), len(header))
	return b.client.UpdateValues(ctx, spreadsheetID, tableRange, values)
}

func (b *ExportBuilder) sheetGrid(ctx context.Context, spreadsheetID string) (int, GridProperties, error) {
	meta, err := b.client.GetSpreadsheet(ctx, spreadsheetID)
	if err != nil {
		return 0, GridProperties{}, err
	}
	for _, sheet := range meta.Sheets {
		if sheet.Properties.Title == DefaultSheetTitle {
			grid := GridProperties{}
			if sheet.Properties.GridProperties != nil {
				grid = *sheet.Properties.GridProperties
			}
			return sheet.Properties.SheetID, grid, nil
		}
	}
	if len(meta.Sheets) > 0 {
		first := meta.Sheets[0].Properties
		grid := GridProperties{}
		if first.GridProperties != nil {
			grid = *first.GridProperties
		}
		return first.SheetID, grid, nil
	}
	return 0, GridProperties{}, fserrors.New(fserrors.CategorySheets, fserrors.SeverityError,
		"spreadsheet has no sheets")
}
