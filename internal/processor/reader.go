package processor

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// utf8BOM is stripped from the head of Windows-produced files.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// countingReader tracks raw bytes consumed from the underlying file. It
// sits below the buffered reader, so BytesRead reflects file position, not
// parsed rows; good enough for best-effort progress.
type countingReader struct {
	r         io.Reader
	bytesRead int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.bytesRead += int64(n)
	return n, err
}

// RecordReader is a pull-based iterator over the records of a CSV file: a
// lazy, finite, non-restartable sequence, with errors propagated per pulled
// record. The first row is captured as headers and not returned as data.
type RecordReader struct {
	f        *os.File
	counting *countingReader
	csv      *csv.Reader
	headers  []string
}

// OpenRecords opens the file and reads the header row. delimiter is the
// field separator, bufSize the read buffer size in bytes.
func OpenRecords(path string, delimiter rune, bufSize int) (*RecordReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening csv file: %w", err)
	}

	counting := &countingReader{r: f}
	br := bufio.NewReaderSize(counting, bufSize)

	// Skip a UTF-8 BOM if present.
	if head, err := br.Peek(len(utf8BOM)); err == nil && string(head) == string(utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	cr := csv.NewReader(br)
	cr.Comma = delimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	r := &RecordReader{f: f, counting: counting, csv: cr}

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			// Empty file: no headers, no records.
			return r, nil
		}
		f.Close()
		return nil, fmt.Errorf("reading header row: %w", err)
	}

	r.headers = make([]string, len(header))
	for i, h := range header {
		r.headers[i] = strings.TrimSpace(h)
	}

	return r, nil
}

// Headers returns the trimmed header row.
func (r *RecordReader) Headers() []string {
	return r.headers
}

// Next returns the next record zipped against the headers. Fields beyond
// the header width are dropped; missing trailing fields become "". Returns
// io.EOF after the last record.
func (r *RecordReader) Next() (map[string]string, error) {
	if len(r.headers) == 0 {
		return nil, io.EOF
	}

	rec, err := r.csv.Read()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading record: %w", err)
	}

	row := make(map[string]string, len(r.headers))
	for i, h := range r.headers {
		if i < len(rec) {
			row[h] = rec[i]
		} else {
			row[h] = ""
		}
	}
	return row, nil
}

// BytesRead returns the raw file bytes consumed so far.
func (r *RecordReader) BytesRead() int64 {
	return r.counting.bytesRead
}

// Close releases the underlying file.
func (r *RecordReader) Close() error {
	return r.f.Close()
}
