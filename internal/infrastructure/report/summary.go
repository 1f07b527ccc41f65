// Package report renders batch status exports.
package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/kirillkom/doc-intake/internal/core/domain"
)

type summaryRow struct {
	ItemID       string `csv:"item_id"`
	Status       string `csv:"status"`
	DocType      string `csv:"doc_type"`
	Confidence   string `csv:"confidence"`
	ErrorCodes   string `csv:"error_codes"`
	ErrorMessage string `csv:"error_message"`
}

// WriteItemSummaries writes one CSV row per item, in the given order.
// Multiple error codes are joined with ";" and only the first message is kept.
func WriteItemSummaries(w io.Writer, items []domain.ItemSummary) error {
	rows := make([]*summaryRow, 0, len(items))
	for _, it := range items {
		row := &summaryRow{
			ItemID:     it.ID,
			Status:     string(it.Status),
			DocType:    string(it.DocType),
			Confidence: strconv.FormatFloat(it.Confidence, 'f', 2, 64),
		}
		if len(it.Errors) > 0 {
			codes := make([]string, 0, len(it.Errors))
			for _, e := range it.Errors {
				codes = append(codes, string(e.Code))
			}
			row.ErrorCodes = strings.Join(codes, ";")
			row.ErrorMessage = it.Errors[0].Message
		}
		rows = append(rows, row)
	}
	if err := gocsv.Marshal(rows, w); err != nil {
		return fmt.Errorf("write item summaries: %w", err)
	}
	return nil
}
