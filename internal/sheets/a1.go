package sheets

import "fmt"

// ColumnLetter converts a 1-based column number to its spreadsheet letter:
// 1 -> A, 26 -> Z, 27 -> AA, 703 -> AAA.
func ColumnLetter(n int) string {
	s := ""
	for n > 0 {
		n--
		s = string(rune('A'+n%26)) + s
		n /= 26
	}
	return s
}

// CellRange builds an A1 range over a rectangular block on the given sheet,
// rows and columns 1-based and inclusive.
func CellRange(sheetTitle string, startRow, startCol, endRow, endCol int) string {
	return fmt.Sprintf("%s!%s%d:%s%d",
		sheetTitle, ColumnLetter(startCol), startRow, ColumnLetter(endCol), endRow)
}

// RowRange builds an A1 range covering a single row across the given columns.
func RowRange(sheetTitle string, row, startCol, endCol int) string {
	return CellRange(sheetTitle, row, startCol, row, endCol)
}
