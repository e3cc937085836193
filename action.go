package miltr

import (
	"fmt"
	"strings"

	"github.com/girstenbrei/miltr/internal/wire"
)

type ActionType int

const (
	ActionAccept ActionType = iota + 1
	ActionContinue
	ActionDiscard
	ActionReject
	ActionTempFail
	ActionSkip
	ActionRejectWithCode
)

// Action represents the verdict a milter returned for the current command.
type Action struct {
	Type ActionType

	// SMTPCode is the SMTP code to send to the SMTP client when the milter
	// wants to abort the connection/message. Zero otherwise.
	SMTPCode uint16
	// EnhancedCode is the RFC 2034 enhanced status code of a reply-code
	// action, when the milter sent one ("5.5.4"). Empty otherwise.
	EnhancedCode string
	// SMTPReply is the raw reply text the milter sent for a reply-code action
	// (without the trailing NUL), or a canned reply for Reject/TempFail.
	SMTPReply string
}

// StopProcessing returns true when the milter wants to immediately stop this
// SMTP connection or reject the current recipient (Type is one of
// ActionReject, ActionTempFail or ActionRejectWithCode). You can use
// [Action.SMTPReply] as reply to the current SMTP command.
func (a Action) StopProcessing() bool {
	switch a.Type {
	case ActionReject, ActionTempFail, ActionRejectWithCode:
		return true
	default:
		return false
	}
}

func (a Action) String() string {
	switch a.Type {
	case ActionAccept:
		return "Accept"
	case ActionContinue:
		return "Continue"
	case ActionDiscard:
		return "Discard"
	case ActionReject:
		return fmt.Sprintf("Reject %d %q", a.SMTPCode, a.SMTPReply)
	case ActionTempFail:
		return fmt.Sprintf("TempFail %d %q", a.SMTPCode, a.SMTPReply)
	case ActionSkip:
		return "Skip"
	case ActionRejectWithCode:
		return fmt.Sprintf("RejectWithCode %d %q", a.SMTPCode, a.SMTPReply)
	default:
		return fmt.Sprintf("Unknown action %d", a.Type)
	}
}

// isXCode reports whether token is an RFC 2034 enhanced status code:
// three dot-separated decimal numerals whose class digit is 2, 4 or 5.
// Any looser check would misclassify messages that merely start with
// dotted numbers.
func isXCode(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	if len(parts[0]) != 1 || (parts[0][0] != '2' && parts[0][0] != '4' && parts[0][0] != '5') {
		return false
	}
	for _, p := range parts[1:] {
		if len(p) == 0 || len(p) > 3 {
			return false
		}
		for i := 0; i < len(p); i++ {
			if p[i] < '0' || p[i] > '9' {
				return false
			}
		}
	}
	return true
}

// parseAction decodes a filter→MTA verdict frame.
func parseAction(msg *wire.Message) (*Action, error) {
	act := &Action{}

	switch wire.ActionCode(msg.Code) {
	case wire.ActAccept:
		act.Type = ActionAccept
	case wire.ActContinue:
		act.Type = ActionContinue
	case wire.ActDiscard:
		act.Type = ActionDiscard
	case wire.ActReject:
		act.Type = ActionReject
		act.SMTPCode = 550
		act.SMTPReply = "550 5.7.1 Command rejected"
	case wire.ActTempFail:
		act.Type = ActionTempFail
		act.SMTPCode = 451
		act.SMTPReply = "451 4.7.1 Service unavailable - try again later"
	case wire.ActSkip:
		act.Type = ActionSkip
	case wire.ActReplyCode:
		if len(msg.Data) < 5 {
			return nil, fmt.Errorf("%w: reply code action: payload has %d bytes", ErrNotEnoughData, len(msg.Data))
		}
		if msg.Data[len(msg.Data)-1] != 0 {
			return nil, fmt.Errorf("%w: reply code action: missing NUL terminator", ErrNotEnoughData)
		}
		raw := string(msg.Data[:len(msg.Data)-1])
		code := uint16(0)
		for i := 0; i < 3; i++ {
			if raw[i] < '0' || raw[i] > '9' {
				return nil, fmt.Errorf("%w: reply code action: malformed SMTP code %q", ErrInvalidData, raw)
			}
			code = code*10 + uint16(raw[i]-'0')
		}
		if raw[3] != ' ' {
			return nil, fmt.Errorf("%w: reply code action: malformed SMTP response %q", ErrInvalidData, raw)
		}
		if code < 400 || code > 599 {
			return nil, fmt.Errorf("%w: reply code action: invalid SMTP code %d", ErrInvalidData, code)
		}
		act.Type = ActionRejectWithCode
		act.SMTPCode = code
		act.SMTPReply = strings.TrimRight(raw, "\r\n")
		// look ahead: when the first token of the message parses as an
		// enhanced status code, surface it separately
		rest := raw[4:]
		if sp := strings.IndexByte(rest, ' '); sp > 0 && isXCode(rest[:sp]) {
			act.EnhancedCode = rest[:sp]
		} else if sp < 0 && isXCode(rest) {
			act.EnhancedCode = rest
		}
	default:
		return nil, fmt.Errorf("%w: %q is not an action", ErrUnknownCode, byte(msg.Code))
	}

	return act, nil
}

// message encodes the verdict for the wire. It is the inverse of parseAction:
// encoding a parsed reply-code action reproduces the original payload.
func (a *Action) message() (*wire.Message, error) {
	switch a.Type {
	case ActionAccept:
		return &wire.Message{Code: wire.Code(wire.ActAccept)}, nil
	case ActionContinue:
		return &wire.Message{Code: wire.Code(wire.ActContinue)}, nil
	case ActionDiscard:
		return &wire.Message{Code: wire.Code(wire.ActDiscard)}, nil
	case ActionReject:
		return &wire.Message{Code: wire.Code(wire.ActReject)}, nil
	case ActionTempFail:
		return &wire.Message{Code: wire.Code(wire.ActTempFail)}, nil
	case ActionSkip:
		return &wire.Message{Code: wire.Code(wire.ActSkip)}, nil
	case ActionRejectWithCode:
		if len(a.SMTPReply) < 5 {
			return nil, fmt.Errorf("%w: reply code action: reply %q too short", ErrInvalidData, a.SMTPReply)
		}
		return &wire.Message{Code: wire.Code(wire.ActReplyCode), Data: wire.AppendCString(nil, a.SMTPReply)}, nil
	default:
		return nil, fmt.Errorf("%w: action type %d", ErrInvalidData, a.Type)
	}
}
