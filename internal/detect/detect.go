// Package detect infers CSV dialect characteristics from a bounded head
// sample of a file, before the full parse starts.
package detect

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"unicode/utf8"
)

// DefaultSampleSize is the number of bytes read for heuristic analysis.
const DefaultSampleSize = 10 * 1024

// Candidate delimiters, in tie-break priority order.
var candidates = []rune{',', ';', '\t', '|'}

// DelimiterResult is the outcome of delimiter detection. Confidence is the
// raw average per-row occurrence score; callers should treat it as
// relative, not probabilistic.
type DelimiterResult struct {
	Delimiter  rune    `json:"delimiter"`
	Confidence float64 `json:"confidence"`
}

// EncodingResult is the single best-guess text encoding for a file.
type EncodingResult struct {
	Encoding   string  `json:"encoding"`
	Confidence float64 `json:"confidence"`
}

// Detector samples file heads to infer delimiter and encoding.
type Detector struct {
	sampleSize int
}

// NewDetector creates a detector reading up to sampleSize bytes per file.
// A non-positive size falls back to DefaultSampleSize.
func NewDetector(sampleSize int) *Detector {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	return &Detector{sampleSize: sampleSize}
}

// DetectDelimiter scores each candidate by the average occurrence count per
// data row in the head sample, excluding the header row. The best scoring
// candidate wins; ties go to the earlier candidate (comma first).
func (d *Detector) DetectDelimiter(filePath string) (DelimiterResult, error) {
	sample, err := d.readSample(filePath)
	if err != nil {
		return DelimiterResult{}, err
	}

	lines := sampleLines(sample)
	if len(lines) == 0 {
		return DelimiterResult{Delimiter: ','}, nil
	}

	// Skip the header row: header fields often contain the delimiter less
	// consistently than data rows.
	dataLines := lines
	if len(lines) > 1 {
		dataLines = lines[1:]
	}

	best := DelimiterResult{Delimiter: candidates[0]}
	for i, cand := range candidates {
		total := 0
		for _, line := range dataLines {
			total += bytes.Count(line, []byte(string(cand)))
		}
		score := float64(total) / float64(len(dataLines))
		if i == 0 || score > best.Confidence {
			best = DelimiterResult{Delimiter: cand, Confidence: score}
		}
	}

	return best, nil
}

// DetectEncoding returns the best-guess encoding of the file head. The
// contract is a single guess plus confidence; callers never branch on
// multiple candidates.
func (d *Detector) DetectEncoding(filePath string) (EncodingResult, error) {
	sample, err := d.readSample(filePath)
	if err != nil {
		return EncodingResult{}, err
	}

	if len(sample) == 0 {
		return EncodingResult{Encoding: "utf-8", Confidence: 1.0}, nil
	}

	// UTF-16 byte order marks.
	if len(sample) >= 2 {
		if sample[0] == 0xFE && sample[1] == 0xFF {
			return EncodingResult{Encoding: "utf-16be", Confidence: 1.0}, nil
		}
		if sample[0] == 0xFF && sample[1] == 0xFE {
			return EncodingResult{Encoding: "utf-16le", Confidence: 1.0}, nil
		}
	}

	if utf8.Valid(sample) {
		return EncodingResult{Encoding: "utf-8", Confidence: 0.9}, nil
	}

	// High NUL density suggests a BOM-less UTF-16 file.
	nuls := bytes.Count(sample, []byte{0})
	if float64(nuls)/float64(len(sample)) > 0.2 {
		return EncodingResult{Encoding: "utf-16le", Confidence: 0.6}, nil
	}

	// 8-bit-clean fallback.
	return EncodingResult{Encoding: "latin-1", Confidence: 0.5}, nil
}

func (d *Detector) readSample(filePath string) ([]byte, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("opening file for detection: %w", err)
	}
	defer f.Close()

	sample := make([]byte, d.sampleSize)
	n, err := bufio.NewReader(f).Read(sample)
	if n == 0 && err != nil {
		return nil, nil
	}
	return sample[:n], nil
}

// sampleLines splits the sample into non-empty lines, dropping the final
// line when it was cut off by the sample boundary.
func sampleLines(sample []byte) [][]byte {
	if len(sample) == 0 {
		return nil
	}

	raw := bytes.Split(sample, []byte{'\n'})
	if len(raw) > 1 && len(raw[len(raw)-1]) > 0 {
		// Last line may be truncated mid-row; exclude it from scoring.
		raw = raw[:len(raw)-1]
	}

	lines := make([][]byte, 0, len(raw))
	for _, line := range raw {
		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
