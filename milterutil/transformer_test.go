package milterutil

import (
	"strings"
	"testing"

	"golang.org/x/text/transform"
)

func transformAll(t *testing.T, tr transform.Transformer, in string) string {
	t.Helper()
	out, _, err := transform.String(tr, in)
	if err != nil {
		t.Fatalf("transform of %q failed: %v", in, err)
	}
	return out
}

func TestCrLfToLfTransformer(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"empty", "", ""},
		{"no newline", "abc", "abc"},
		{"crlf", "a\r\nb", "a\nb"},
		{"lone cr", "a\rb", "a\nb"},
		{"lone lf", "a\nb", "a\nb"},
		{"mixed", "a\r\nb\rc\nd", "a\nb\nc\nd"},
		{"trailing cr", "a\r", "a\n"},
	}
	for _, tt_ := range tests {
		t.Run(tt_.name, func(t *testing.T) {
			tt := tt_
			t.Parallel()
			if got := transformAll(t, &CrLfToLfTransformer{}, tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCrLfCanonicalizationTransformer(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"empty", "", ""},
		{"lf", "a\nb", "a\r\nb"},
		{"cr", "a\rb", "a\r\nb"},
		{"crlf kept", "a\r\nb", "a\r\nb"},
		{"trailing lf", "a\n", "a\r\n"},
		{"trailing cr", "a\r", "a\r\n"},
	}
	for _, tt_ := range tests {
		t.Run(tt_.name, func(t *testing.T) {
			tt := tt_
			t.Parallel()
			if got := transformAll(t, &CrLfCanonicalizationTransformer{}, tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDoublePercentTransformer(t *testing.T) {
	if got := transformAll(t, &DoublePercentTransformer{}, "100% sure"); got != "100%% sure" {
		t.Errorf("got %q", got)
	}
}

func TestNewlineToSpace(t *testing.T) {
	if got := NewlineToSpace("a\r\nb\rc\nd\x00e"); got != "a b c d e" {
		t.Errorf("got %q", got)
	}
}

func TestCrLfToLfHelper(t *testing.T) {
	if got := CrLfToLf("a\r\nb\x00c"); got != "a\nb c" {
		t.Errorf("got %q", got)
	}
}

func TestMaximumLineLengthTransformer(t *testing.T) {
	in := strings.Repeat("x", 2000)
	got := transformAll(t, &MaximumLineLengthTransformer{}, in)
	for i, line := range strings.Split(got, "\r\n") {
		if len(line) > DefaultMaximumLineLength {
			t.Errorf("line %d has %d bytes", i, len(line))
		}
	}
	if strings.ReplaceAll(got, "\r\n", "") != in {
		t.Error("payload changed beyond line breaks")
	}
	// multi-byte runes do not get split
	umlauts := strings.Repeat("ä", 600)
	got = transformAll(t, &MaximumLineLengthTransformer{}, umlauts)
	for _, line := range strings.Split(got, "\r\n") {
		if !strings.HasPrefix(line, "ä") || !strings.HasSuffix(line, "ä") {
			t.Errorf("rune split across lines: %q…", line[:4])
		}
	}
}

func TestSMTPReplyTransformer(t *testing.T) {
	tests := []struct {
		name string
		code uint16
		in   string
		want string
	}{
		{"single line", 250, "Accept", "250 Accept"},
		{"empty", 250, "", "250 "},
		{"multiline", 550, "first\r\nsecond", "550-first\r\n550 second"},
		{"enhanced code repeated", 550, "5.7.1 first\r\nsecond", "550-5.7.1 first\r\n550 5.7.1 second"},
	}
	for _, tt_ := range tests {
		t.Run(tt_.name, func(t *testing.T) {
			tt := tt_
			t.Parallel()
			if got := transformAll(t, &SMTPReplyTransformer{Code: tt.code}, tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFindEnhancedErrorCodeEnd(t *testing.T) {
	tests := []struct {
		src  string
		code uint16
		want int
	}{
		{"5.7.1 rest", 550, 6},
		{"4.2.2 rest", 451, 6},
		{"5.7.1rest", 550, -1},
		{"5.77.1 rest", 550, 7},
		{"1.2.3 rest", 550, -1},
		{"5.7.1 rest", 451, -1}, // class mismatch
		{"no code", 550, -1},
	}
	for _, tt := range tests {
		if got := FindEnhancedErrorCodeEnd([]byte(tt.src), tt.code); got != tt.want {
			t.Errorf("FindEnhancedErrorCodeEnd(%q, %d) = %d, want %d", tt.src, tt.code, got, tt.want)
		}
	}
}
