package detect

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSample(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.csv")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("writing sample: %v", err)
	}
	return path
}

func TestDetectDelimiter(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    rune
	}{
		{
			name:    "comma",
			content: "a,b,c\n1,2,3\n4,5,6\n",
			want:    ',',
		},
		{
			name:    "semicolon",
			content: "a;b;c\n1;2;3\n4;5;6\n",
			want:    ';',
		},
		{
			name:    "tab",
			content: "a\tb\tc\n1\t2\t3\n",
			want:    '\t',
		},
		{
			name:    "pipe",
			content: "a|b|c\n1|2|3\n",
			want:    '|',
		},
		{
			name:    "semicolon wins despite commas inside values",
			content: "name;city;note\nalice;oslo;one, maybe\nbob;rome;fine\n",
			want:    ';',
		},
		{
			name:    "single column defaults to comma",
			content: "value\n1\n2\n",
			want:    ',',
		},
		{
			name:    "empty file defaults to comma",
			content: "",
			want:    ',',
		},
	}

	d := NewDetector(0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeSample(t, []byte(tt.content))
			got, err := d.DetectDelimiter(path)
			if err != nil {
				t.Fatalf("DetectDelimiter: %v", err)
			}
			if got.Delimiter != tt.want {
				t.Errorf("expected %q, got %q (score %.2f)", tt.want, got.Delimiter, got.Confidence)
			}
		})
	}
}

func TestDetectDelimiter_TruncatedLastLine(t *testing.T) {
	// Build a sample larger than the detector window so the final line is
	// cut mid-row; its partial counts must not skew the score.
	var sb strings.Builder
	sb.WriteString("a;b;c\n")
	for i := 0; i < 50; i++ {
		sb.WriteString("1;2;3\n")
	}

	d := NewDetector(64)
	path := writeSample(t, []byte(sb.String()))
	got, err := d.DetectDelimiter(path)
	if err != nil {
		t.Fatalf("DetectDelimiter: %v", err)
	}
	if got.Delimiter != ';' {
		t.Errorf("expected semicolon, got %q", got.Delimiter)
	}
}

func TestDetectEncoding(t *testing.T) {
	utf16le := []byte{0xFF, 0xFE, 'a', 0, 'b', 0}
	utf16be := []byte{0xFE, 0xFF, 0, 'a', 0, 'b'}
	bomless16 := []byte{'a', 0, 'b', 0, 'c', 0, '\n', 0, 0xD8, 0x01}
	latin1 := []byte{'c', 'a', 'f', 0xE9, '\n'}

	tests := []struct {
		name    string
		content []byte
		want    string
	}{
		{"plain utf-8", []byte("name,city\nalice,oslo\n"), "utf-8"},
		{"empty file", nil, "utf-8"},
		{"utf-16le bom", utf16le, "utf-16le"},
		{"utf-16be bom", utf16be, "utf-16be"},
		{"bom-less utf-16 via nul density", bomless16, "utf-16le"},
		{"latin-1 fallback", latin1, "latin-1"},
	}

	d := NewDetector(0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeSample(t, tt.content)
			got, err := d.DetectEncoding(path)
			if err != nil {
				t.Fatalf("DetectEncoding: %v", err)
			}
			if got.Encoding != tt.want {
				t.Errorf("expected %s, got %s (confidence %.2f)", tt.want, got.Encoding, got.Confidence)
			}
			if got.Confidence <= 0 {
				t.Errorf("expected positive confidence, got %f", got.Confidence)
			}
		})
	}
}
