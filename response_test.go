package miltr

import (
	"errors"
	"testing"

	"github.com/girstenbrei/miltr/internal/wire"
)

func TestResponseContinue(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
		want bool
	}{
		{"continue", RespContinue, true},
		{"skip", RespSkip, true},
		{"accept", RespAccept, false},
		{"discard", RespDiscard, false},
		{"reject", RespReject, false},
		{"tempfail", RespTempFail, false},
	}
	for _, tt_ := range tests {
		t.Run(tt_.name, func(t *testing.T) {
			tt := tt_
			t.Parallel()
			if got := tt.resp.Continue(); got != tt.want {
				t.Errorf("Continue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRejectWithCodeAndReason(t *testing.T) {
	resp, err := RejectWithCodeAndReason(550, "5.7.1 Command rejected")
	if err != nil {
		t.Fatalf("RejectWithCodeAndReason() error = %v", err)
	}
	msg := resp.Response()
	if msg.Code != wire.Code(wire.ActReplyCode) {
		t.Errorf("code = %q", byte(msg.Code))
	}
	if string(msg.Data) != "550 5.7.1 Command rejected\x00" {
		t.Errorf("data = %q", msg.Data)
	}
	// it parses back as a reply code action
	act, err := parseAction(msg)
	if err != nil || act.SMTPCode != 550 || act.EnhancedCode != "5.7.1" {
		t.Errorf("parseAction() = %+v, %v", act, err)
	}
}

func TestRejectWithCodeAndReasonMultiline(t *testing.T) {
	resp, err := RejectWithCodeAndReason(550, "5.7.1 Command rejected\nContact support")
	if err != nil {
		t.Fatalf("RejectWithCodeAndReason() error = %v", err)
	}
	want := "550-5.7.1 Command rejected\r\n550 5.7.1 Contact support\x00"
	if got := string(resp.Response().Data); got != want {
		t.Errorf("data = %q, want %q", got, want)
	}
}

func TestRejectWithCodeAndReasonErrors(t *testing.T) {
	if _, err := RejectWithCodeAndReason(250, "ok"); !errors.Is(err, ErrInvalidData) {
		t.Errorf("code 250: %v", err)
	}
	if _, err := RejectWithCodeAndReason(999, "nope"); !errors.Is(err, ErrInvalidData) {
		t.Errorf("code 999: %v", err)
	}
}
