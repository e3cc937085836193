package miltr

import (
	"bytes"
	"errors"
	"testing"

	"github.com/girstenbrei/miltr/internal/wire"
)

func TestParseActionSimple(t *testing.T) {
	tests := []struct {
		name string
		code wire.ActionCode
		want ActionType
	}{
		{"accept", wire.ActAccept, ActionAccept},
		{"continue", wire.ActContinue, ActionContinue},
		{"discard", wire.ActDiscard, ActionDiscard},
		{"reject", wire.ActReject, ActionReject},
		{"tempfail", wire.ActTempFail, ActionTempFail},
		{"skip", wire.ActSkip, ActionSkip},
	}
	for _, tt_ := range tests {
		t.Run(tt_.name, func(t *testing.T) {
			tt := tt_
			t.Parallel()
			act, err := parseAction(&wire.Message{Code: wire.Code(tt.code)})
			if err != nil {
				t.Fatalf("parseAction() error = %v", err)
			}
			if act.Type != tt.want {
				t.Errorf("parseAction() type = %v, want %v", act.Type, tt.want)
			}
			msg, err := act.message()
			if err != nil {
				t.Fatalf("message() error = %v", err)
			}
			if msg.Code != wire.Code(tt.code) || len(msg.Data) != 0 {
				t.Errorf("message() = %+v", msg)
			}
		})
	}
}

// scenario: ReplyCode [5,2,1]/[5,5,4] with message "Foobar"
func TestParseActionReplyCode(t *testing.T) {
	payload := []byte("521 5.5.4 Foobar\x00")
	if len(payload) != 17 { // frame length incl. code byte is 18
		t.Fatalf("fixture has wrong length %d", len(payload))
	}
	act, err := parseAction(&wire.Message{Code: wire.Code(wire.ActReplyCode), Data: payload})
	if err != nil {
		t.Fatalf("parseAction() error = %v", err)
	}
	if act.Type != ActionRejectWithCode {
		t.Fatalf("type = %v", act.Type)
	}
	if act.SMTPCode != 521 {
		t.Errorf("SMTPCode = %d, want 521", act.SMTPCode)
	}
	if act.EnhancedCode != "5.5.4" {
		t.Errorf("EnhancedCode = %q, want 5.5.4", act.EnhancedCode)
	}
	if act.SMTPReply != "521 5.5.4 Foobar" {
		t.Errorf("SMTPReply = %q", act.SMTPReply)
	}
	msg, err := act.message()
	if err != nil {
		t.Fatalf("message() error = %v", err)
	}
	if !bytes.Equal(msg.Data, payload) {
		t.Errorf("reply code did not round-trip: %q != %q", msg.Data, payload)
	}
}

func TestParseActionReplyCodeNoXCode(t *testing.T) {
	// 1.2.3 is not a valid enhanced code class, it is part of the message
	act, err := parseAction(&wire.Message{Code: wire.Code(wire.ActReplyCode), Data: []byte("450 1.2.3 is not an xcode\x00")})
	if err != nil {
		t.Fatalf("parseAction() error = %v", err)
	}
	if act.EnhancedCode != "" {
		t.Errorf("EnhancedCode = %q, want empty", act.EnhancedCode)
	}
	if act.SMTPCode != 450 {
		t.Errorf("SMTPCode = %d", act.SMTPCode)
	}
}

func TestParseActionReplyCodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"too short", []byte("45\x00"), ErrNotEnoughData},
		{"missing NUL", []byte("450 nope"), ErrNotEnoughData},
		{"non numeric", []byte("4x0 nope\x00"), ErrInvalidData},
		{"missing space", []byte("450nope\x00"), ErrInvalidData},
		{"code out of range", []byte("250 ok\x00"), ErrInvalidData},
	}
	for _, tt_ := range tests {
		t.Run(tt_.name, func(t *testing.T) {
			tt := tt_
			t.Parallel()
			_, err := parseAction(&wire.Message{Code: wire.Code(wire.ActReplyCode), Data: tt.data})
			if !errors.Is(err, tt.want) {
				t.Errorf("parseAction() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseActionUnknownCode(t *testing.T) {
	_, err := parseAction(&wire.Message{Code: 'Z'})
	if !errors.Is(err, ErrUnknownCode) {
		t.Errorf("parseAction() error = %v, want ErrUnknownCode", err)
	}
}

func TestIsXCode(t *testing.T) {
	tests := []struct {
		token string
		want  bool
	}{
		{"5.5.4", true},
		{"2.0.0", true},
		{"4.7.1", true},
		{"1.2.3", false},
		{"5.5", false},
		{"5.5.4.3", false},
		{"5..4", false},
		{"5.x.4", false},
		{"5.1234.4", false},
	}
	for _, tt := range tests {
		if got := isXCode(tt.token); got != tt.want {
			t.Errorf("isXCode(%q) = %v, want %v", tt.token, got, tt.want)
		}
	}
}
