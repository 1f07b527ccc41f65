package parser

import (
	"bytes"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/doc-intake/internal/core/domain"
)

const (
	MIMECSV  = "text/csv"
	MIMEXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MIMEPDF  = "application/pdf"
	MIMEPNG  = "image/png"
	MIMEJPEG = "image/jpeg"
	MIMETIFF = "image/tiff"
)

var (
	pdfMagic  = []byte("%PDF-")
	zipMagic  = []byte("PK\x03\x04")
	tiffLE    = []byte("II*\x00")
	tiffBE    = []byte("MM\x00*")
	pngMagic  = []byte("\x89PNG\r\n\x1a\n")
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
)

// SniffMIME derives a content type from the leading bytes of data. Plain
// UTF-8 text is reported as CSV since that is the only text format accepted.
func SniffMIME(data []byte) string {
	switch {
	case bytes.HasPrefix(data, pdfMagic):
		return MIMEPDF
	case bytes.HasPrefix(data, pngMagic):
		return MIMEPNG
	case bytes.HasPrefix(data, jpegMagic):
		return MIMEJPEG
	case bytes.HasPrefix(data, tiffLE), bytes.HasPrefix(data, tiffBE):
		return MIMETIFF
	case bytes.HasPrefix(data, zipMagic):
		return MIMEXLSX
	}
	sniffed := http.DetectContentType(data)
	if strings.HasPrefix(sniffed, "text/plain") && utf8.Valid(bytes.TrimPrefix(data, utf8BOM)) {
		return MIMECSV
	}
	return strings.TrimSpace(strings.SplitN(sniffed, ";", 2)[0])
}

// NormalizeMIME strips parameters and maps common aliases.
func NormalizeMIME(mime string) string {
	m := strings.ToLower(strings.TrimSpace(strings.SplitN(mime, ";", 2)[0]))
	switch m {
	case "application/csv", "text/comma-separated-values", "text/plain", "application/vnd.ms-excel":
		return MIMECSV
	case "image/jpg", "image/pjpeg":
		return MIMEJPEG
	case "image/tif":
		return MIMETIFF
	}
	return m
}

// DetectFormat resolves the container format from content first, then from
// the declared type and extension. A declared binary type whose content does
// not match is treated as corrupt.
func DetectFormat(data []byte, filename, declaredMIME string) (domain.FileFormat, error) {
	if len(data) == 0 {
		return "", unreadable("file is empty")
	}
	declared := NormalizeMIME(declaredMIME)
	ext := strings.ToLower(filepath.Ext(filename))

	switch sniffed := SniffMIME(data); sniffed {
	case MIMEPDF:
		return domain.FormatPDF, nil
	case MIMEPNG, MIMEJPEG, MIMETIFF:
		return domain.FormatImage, nil
	case MIMEXLSX:
		if declared == MIMEXLSX || ext == ".xlsx" || ext == ".xlsm" {
			return domain.FormatXLSX, nil
		}
		return "", &ParseDispatchError{Code: domain.CodeUnsupportedFormat, Err: fmt.Errorf("zip archive %q is not a spreadsheet", filename)}
	case MIMECSV:
		switch {
		case declared == MIMEPDF || strings.HasPrefix(declared, "image/") || declared == MIMEXLSX:
			return "", unreadable("content does not match declared type %s", declared)
		case declared == MIMECSV || ext == ".csv" || ext == ".tsv" || ext == ".txt" || declared == "":
			return domain.FormatCSV, nil
		}
		return "", &ParseDispatchError{Code: domain.CodeUnsupportedFormat, Err: fmt.Errorf("text upload declared as %s", declared)}
	}

	if declared == MIMEPDF || declared == MIMEXLSX || strings.HasPrefix(declared, "image/") {
		return "", unreadable("content does not match declared type %s", declared)
	}
	return "", &ParseDispatchError{Code: domain.CodeUnsupportedFormat, Err: fmt.Errorf("unrecognized content for %q", filename)}
}
