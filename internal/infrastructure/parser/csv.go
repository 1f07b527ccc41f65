package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var candidateDelimiters = []rune{';', ',', '\t', '|'}

// delimiterSampleLines is how many lines feed delimiter detection.
const delimiterSampleLines = 10

func readCSV(data []byte, limit int) ([][]string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return nil, unreadable("csv is not valid UTF-8 text")
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = sniffDelimiter(data)
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	var rows [][]string
	for limit <= 0 || len(rows) < limit {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, unreadable("csv row %d: %v", len(rows)+1, err)
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

// sniffDelimiter picks the candidate that splits the sampled lines into the
// most columns with a consistent count, preferring ';' on ties since
// decimal-comma locales use it.
func sniffDelimiter(data []byte) rune {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() && len(lines) < delimiterSampleLines {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return ','
	}

	best, bestScore := ',', 0
	for _, d := range candidateDelimiters {
		first := countOutsideQuotes(lines[0], d)
		if first == 0 {
			continue
		}
		consistent := 0
		for _, line := range lines {
			if countOutsideQuotes(line, d) == first {
				consistent++
			}
		}
		score := consistent*1000 + first
		if score > bestScore {
			best, bestScore = d, score
		}
	}
	return best
}

func countOutsideQuotes(line string, d rune) int {
	n := 0
	quoted := false
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
		case r == d && !quoted:
			n++
		}
	}
	return n
}
