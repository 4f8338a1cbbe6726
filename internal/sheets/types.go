package sheets

// Wire types for the subset of the Sheets v4 REST API the sync uses.

type Spreadsheet struct {
	SpreadsheetID string                 `json:"spreadsheetId,omitempty"`
	Properties    *SpreadsheetProperties `json:"properties,omitempty"`
	Sheets        []Sheet                `json:"sheets,omitempty"`
}

type SpreadsheetProperties struct {
	Title string `json:"title,omitempty"`
}

type Sheet struct {
	Properties SheetProperties `json:"properties"`
}

type SheetProperties struct {
	SheetID        int             `json:"sheetId,omitempty"`
	Title          string          `json:"title,omitempty"`
	GridProperties *GridProperties `json:"gridProperties,omitempty"`
}

type GridProperties struct {
	RowCount    int `json:"rowCount,omitempty"`
	ColumnCount int `json:"columnCount,omitempty"`
}

type ValueRange struct {
	Range  string     `json:"range,omitempty"`
	Values [][]string `json:"values"`
}

type UpdateValuesResponse struct {
	UpdatedRange   string `json:"updatedRange,omitempty"`
	UpdatedRows    int    `json:"updatedRows,omitempty"`
	UpdatedColumns int    `json:"updatedColumns,omitempty"`
	UpdatedCells   int    `json:"updatedCells,omitempty"`
}

type batchUpdateRequest struct {
	Requests []request `json:"requests"`
}

type request struct {
	AppendDimension *appendDimensionRequest `json:"appendDimension,omitempty"`
	DeleteDimension *deleteDimensionRequest `json:"deleteDimension,omitempty"`
}

type appendDimensionRequest struct {
	SheetID   int    `json:"sheetId"`
	Dimension string `json:"dimension"` // ROWS or COLUMNS
	Length    int    `json:"length"`
}

type deleteDimensionRequest struct {
	Range dimensionRange `json:"range"`
}

// dimensionRange is half-open: StartIndex inclusive, EndIndex exclusive,
// both zero-based.
type dimensionRange struct {
	SheetID    int    `json:"sheetId"`
	Dimension  string `json:"dimension"`
	StartIndex int    `json:"startIndex"`
	EndIndex   int    `json:"endIndex"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}
