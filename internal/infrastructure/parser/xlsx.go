package parser

import (
	"bytes"

	"github.com/xuri/excelize/v2"
)

// readXLSX reads the first sheet that has any non-blank row.
func readXLSX(data []byte, limit int) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, unreadable("open workbook: %v", err)
	}
	defer f.Close()

	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, unreadable("read sheet %s: %v", sheet, err)
		}
		if headerRow(rows) == nil {
			continue
		}
		if limit > 0 && len(rows) > limit {
			rows = rows[:limit]
		}
		return rows, nil
	}
	return nil, unreadable("workbook has no data")
}
