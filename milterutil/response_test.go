package milterutil

import (
	"strings"
	"testing"
)

func TestFormatResponse(t *testing.T) {
	tests := []struct {
		name string
		code uint16
		in   string
		want string
	}{
		{"simple", 250, "Accept", "250 Accept"},
		{"percent escaped", 250, "%", "250 %%"},
		{"enhanced", 550, "5.7.1 Command rejected", "550 5.7.1 Command rejected"},
		{"multiline", 550, "5.7.1 Command rejected\nContact support", "550-5.7.1 Command rejected\r\n550 5.7.1 Contact support"},
		{"trailing newline trimmed", 451, "try later\r\n", "451 try later"},
	}
	for _, tt_ := range tests {
		t.Run(tt_.name, func(t *testing.T) {
			tt := tt_
			t.Parallel()
			got, err := FormatResponse(tt.code, tt.in)
			if err != nil {
				t.Fatalf("FormatResponse() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("FormatResponse() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatResponseErrors(t *testing.T) {
	if _, err := FormatResponse(42, "nope"); err == nil {
		t.Error("invalid code accepted")
	}
	if _, err := FormatResponse(250, strings.Repeat("x", MaxResponseSize)); err == nil {
		t.Error("oversized reason accepted")
	}
}

func TestFormatResponseLongLine(t *testing.T) {
	got, err := FormatResponse(550, strings.Repeat("x", 1200))
	if err != nil {
		t.Fatalf("FormatResponse() error = %v", err)
	}
	for _, line := range strings.Split(got, "\r\n") {
		if len(line) > DefaultMaximumLineLength+4 {
			t.Errorf("line of %d bytes", len(line))
		}
	}
}
