package miltr

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"

	"github.com/girstenbrei/miltr/internal/wire"
	"github.com/girstenbrei/miltr/milterutil"
)

type ModifyActionType int

const (
	ActionAddRcpt ModifyActionType = iota + 1
	ActionDelRcpt
	ActionQuarantine
	ActionReplaceBody
	ActionChangeFrom
	ActionAddHeader
	ActionChangeHeader
	ActionInsertHeader
)

// ModifyAction is one message modification a filter requests after
// end-of-body and before its terminal action.
type ModifyAction struct {
	Type ModifyActionType

	// Rcpt is the recipient to add/remove if Type == ActionAddRcpt or
	// ActionDelRcpt. This value already includes the necessary <>.
	Rcpt string

	// RcptArgs are the ESMTP arguments for the recipient address if
	// Type == ActionAddRcpt.
	RcptArgs string

	// From is the new envelope sender if Type == ActionChangeFrom.
	// This value already includes the necessary <>.
	From string

	// FromArgs are the ESMTP arguments for the envelope sender if
	// Type == ActionChangeFrom.
	FromArgs string

	// Body is one chunk of the replacement body if Type == ActionReplaceBody.
	// A big replacement body is split over multiple ModifyActions.
	Body []byte

	// HeaderIndex selects the header to change/insert.
	//
	// For ActionChangeHeader it is 1-based and counts headers with the same
	// canonical name; an empty HeaderValue deletes that header.
	// For ActionInsertHeader it is the 0-based position among all existing
	// headers (0 means at the very beginning).
	HeaderIndex uint32

	// HeaderName is the header field name for the header actions.
	HeaderName string

	// HeaderValue is the header field value for the header actions.
	HeaderValue string

	// Reason is the quarantine reason if Type == ActionQuarantine.
	Reason string
}

func (ma ModifyAction) String() string {
	switch ma.Type {
	case ActionAddRcpt:
		return fmt.Sprintf("AddRcpt %q %q", ma.Rcpt, ma.RcptArgs)
	case ActionDelRcpt:
		return fmt.Sprintf("DelRcpt %q", ma.Rcpt)
	case ActionChangeFrom:
		return fmt.Sprintf("ChangeFrom %q %q", ma.From, ma.FromArgs)
	case ActionQuarantine:
		return fmt.Sprintf("Quarantine %q", ma.Reason)
	case ActionReplaceBody:
		bin := sha1.Sum(ma.Body)
		return fmt.Sprintf("ReplaceBody len(body) = %d sha1(body) = %s", len(ma.Body), hex.EncodeToString(bin[:]))
	case ActionAddHeader:
		return fmt.Sprintf("AddHeader %q %q", ma.HeaderName, ma.HeaderValue)
	case ActionChangeHeader:
		return fmt.Sprintf("ChangeHeader %d %q %q", ma.HeaderIndex, ma.HeaderName, ma.HeaderValue)
	case ActionInsertHeader:
		return fmt.Sprintf("InsertHeader %d %q %q", ma.HeaderIndex, ma.HeaderName, ma.HeaderValue)
	default:
		return fmt.Sprintf("Unknown modify action %d", ma.Type)
	}
}

// requiredAction returns the OptAction bit that must have been negotiated for
// this modification to be sent.
func (ma *ModifyAction) requiredAction() OptAction {
	switch ma.Type {
	case ActionAddRcpt:
		if ma.RcptArgs != "" {
			return OptAddRcptWithArgs
		}
		return OptAddRcpt
	case ActionDelRcpt:
		return OptRemoveRcpt
	case ActionQuarantine:
		return OptQuarantine
	case ActionReplaceBody:
		return OptChangeBody
	case ActionChangeFrom:
		return OptChangeFrom
	case ActionAddHeader:
		return OptAddHeader
	case ActionChangeHeader:
		return OptChangeHeader
	case ActionInsertHeader:
		// insert header does not have its own action flag
		return OptAddHeader | OptChangeHeader
	default:
		return 0
	}
}

// allowed reports whether the negotiated action mask permits this modification.
func (ma *ModifyAction) allowed(actions OptAction) bool {
	required := ma.requiredAction()
	if ma.Type == ActionInsertHeader {
		return actions&required != 0
	}
	return actions&required == required
}

// parseModifyAct decodes a filter→MTA modification frame.
func parseModifyAct(msg *wire.Message) (*ModifyAction, error) {
	act := &ModifyAction{}
	data := msg.Data
	switch wire.ModifyActCode(msg.Code) {
	case wire.ActAddRcpt:
		argv := bytes.Split(data, []byte{0x00})
		if len(argv) != 2 {
			return nil, fmt.Errorf("%w: add rcpt: wrong number of arguments: %d", ErrInvalidData, len(argv))
		}
		act.Type = ActionAddRcpt
		act.Rcpt = string(argv[0])
	case wire.ActAddRcptPar:
		argv := bytes.Split(data, []byte{0x00})
		if len(argv) < 2 || len(argv) > 3 {
			return nil, fmt.Errorf("%w: add rcpt with args: wrong number of arguments: %d", ErrInvalidData, len(argv))
		}
		act.Type = ActionAddRcpt
		act.Rcpt = string(argv[0])
		if len(argv) == 3 {
			act.RcptArgs = string(argv[1])
		}
	case wire.ActDelRcpt:
		if len(data) == 0 || data[len(data)-1] != 0 {
			return nil, fmt.Errorf("%w: del rcpt: missing NUL terminator", ErrNotEnoughData)
		}
		act.Type = ActionDelRcpt
		act.Rcpt = wire.ReadCString(data)
	case wire.ActQuarantine:
		if len(data) == 0 || data[len(data)-1] != 0 {
			return nil, fmt.Errorf("%w: quarantine: missing NUL terminator", ErrNotEnoughData)
		}
		act.Type = ActionQuarantine
		act.Reason = wire.ReadCString(data)
	case wire.ActReplBody:
		act.Type = ActionReplaceBody
		act.Body = data
	case wire.ActChangeFrom:
		argv := bytes.Split(data, []byte{0x00})
		if len(argv) < 2 || len(argv) > 3 {
			return nil, fmt.Errorf("%w: change from: wrong number of arguments: %d", ErrInvalidData, len(argv))
		}
		act.Type = ActionChangeFrom
		act.From = string(argv[0])
		if len(argv) == 3 {
			act.FromArgs = string(argv[1])
		}
	case wire.ActChangeHeader, wire.ActInsertHeader:
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: header action: missing header index", ErrNotEnoughData)
		}
		if wire.ModifyActCode(msg.Code) == wire.ActChangeHeader {
			act.Type = ActionChangeHeader
		} else {
			act.Type = ActionInsertHeader
		}
		act.HeaderIndex = binary.BigEndian.Uint32(data)
		// Sendmail 8 compatibility
		if act.Type == ActionChangeHeader && act.HeaderIndex == 0 {
			act.HeaderIndex = 1
		}
		data = data[4:]
		fallthrough
	case wire.ActAddHeader:
		argv := bytes.Split(data, []byte{0x00})
		if len(argv) != 3 {
			return nil, fmt.Errorf("%w: header action: wrong number of arguments: %d", ErrInvalidData, len(argv))
		}
		if wire.ModifyActCode(msg.Code) == wire.ActAddHeader {
			act.Type = ActionAddHeader
		}
		act.HeaderName = string(argv[0])
		act.HeaderValue = string(argv[1])
	default:
		return nil, fmt.Errorf("%w: %q is not a modification", ErrUnknownCode, byte(msg.Code))
	}

	return act, nil
}

// message encodes the modification for the wire.
func (ma *ModifyAction) message() *wire.Message {
	switch ma.Type {
	case ActionAddRcpt:
		if ma.RcptArgs != "" {
			data := wire.AppendCString(nil, ma.Rcpt)
			data = wire.AppendCString(data, ma.RcptArgs)
			return &wire.Message{Code: wire.Code(wire.ActAddRcptPar), Data: data}
		}
		return &wire.Message{Code: wire.Code(wire.ActAddRcpt), Data: wire.AppendCString(nil, ma.Rcpt)}
	case ActionDelRcpt:
		return &wire.Message{Code: wire.Code(wire.ActDelRcpt), Data: wire.AppendCString(nil, ma.Rcpt)}
	case ActionQuarantine:
		return &wire.Message{Code: wire.Code(wire.ActQuarantine), Data: wire.AppendCString(nil, ma.Reason)}
	case ActionReplaceBody:
		return &wire.Message{Code: wire.Code(wire.ActReplBody), Data: ma.Body}
	case ActionChangeFrom:
		data := wire.AppendCString(nil, ma.From)
		if ma.FromArgs != "" {
			data = wire.AppendCString(data, ma.FromArgs)
		}
		return &wire.Message{Code: wire.Code(wire.ActChangeFrom), Data: data}
	case ActionAddHeader:
		data := wire.AppendCString(nil, ma.HeaderName)
		data = wire.AppendCString(data, ma.HeaderValue)
		return &wire.Message{Code: wire.Code(wire.ActAddHeader), Data: data}
	case ActionChangeHeader, ActionInsertHeader:
		data := wire.AppendUint32(nil, ma.HeaderIndex)
		data = wire.AppendCString(data, ma.HeaderName)
		data = wire.AppendCString(data, ma.HeaderValue)
		code := wire.ActChangeHeader
		if ma.Type == ActionInsertHeader {
			code = wire.ActInsertHeader
		}
		return &wire.Message{Code: wire.Code(code), Data: data}
	default:
		panic(fmt.Sprintf("milter: cannot encode modify action %d", ma.Type))
	}
}

func hasAngle(str string) bool {
	return len(str) > 1 && str[0] == '<' && str[len(str)-1] == '>'
}

// AddAngle adds <> to an address. If str already has <>, then str is returned unchanged.
func AddAngle(str string) string {
	if hasAngle(str) {
		return str
	}
	return fmt.Sprintf("<%s>", str)
}

// RemoveAngle removes <> from an address. If str does not have <>, then str is returned unchanged.
func RemoveAngle(str string) string {
	if hasAngle(str) {
		return str[1 : len(str)-1]
	}
	return str
}

// validName checks if the provided name is a valid header name.
func validName(name string) bool {
	if len(name) == 0 {
		return false
	}
	for _, r := range []byte(name) {
		if r <= ' ' || r >= '\x7F' || r == ':' {
			return false
		}
	}
	return true
}

// AddRecipient creates a modification that appends a new envelope recipient.
// esmtpArgs may be empty; a non-empty value needs [OptAddRcptWithArgs] to be
// negotiated and protocol version 6.
func AddRecipient(rcpt string, esmtpArgs string) ModifyAction {
	return ModifyAction{
		Type:     ActionAddRcpt,
		Rcpt:     AddAngle(milterutil.NewlineToSpace(rcpt)),
		RcptArgs: milterutil.NewlineToSpace(esmtpArgs),
	}
}

// DeleteRecipient creates a modification that removes an envelope recipient.
func DeleteRecipient(rcpt string) ModifyAction {
	return ModifyAction{Type: ActionDelRcpt, Rcpt: AddAngle(milterutil.NewlineToSpace(rcpt))}
}

// ReplaceBodyChunk creates a modification carrying one raw replacement body
// chunk. The chunk is sent as-is; callers must respect the negotiated maximum
// data size. Use [ModificationResponseBuilder.ReplaceBody] to chunk a whole
// body automatically.
func ReplaceBodyChunk(chunk []byte) ModifyAction {
	return ModifyAction{Type: ActionReplaceBody, Body: chunk}
}

// Quarantine creates a modification that quarantines the message with the
// given reason. Only makes sense together with an accepting terminal action.
func Quarantine(reason string) ModifyAction {
	return ModifyAction{Type: ActionQuarantine, Reason: milterutil.NewlineToSpace(reason)}
}

// ChangeFrom creates a modification that replaces the envelope sender.
func ChangeFrom(from string, esmtpArgs string) ModifyAction {
	return ModifyAction{
		Type:     ActionChangeFrom,
		From:     AddAngle(milterutil.NewlineToSpace(from)),
		FromArgs: milterutil.NewlineToSpace(esmtpArgs),
	}
}

// AddHeader creates a modification that appends a header to the message.
//
// The header name can only contain printable ASCII without SP and colon.
// Line endings in value get canonicalized to LF, NUL bytes to SP.
func AddHeader(name, value string) (ModifyAction, error) {
	if !validName(name) {
		return ModifyAction{}, fmt.Errorf("%w: invalid header name: %q", ErrInvalidData, name)
	}
	return ModifyAction{Type: ActionAddHeader, HeaderName: name, HeaderValue: milterutil.CrLfToLf(value)}, nil
}

// ChangeHeader creates a modification that replaces the index-th header named
// name (1-based, counted per canonical header name). An empty value deletes
// the header. An index bigger than the number of matching headers appends the
// header like [AddHeader].
func ChangeHeader(index int, name, value string) (ModifyAction, error) {
	if index < 0 || index > math.MaxUint32 {
		return ModifyAction{}, fmt.Errorf("%w: invalid header index: %d", ErrInvalidData, index)
	}
	if !validName(name) {
		return ModifyAction{}, fmt.Errorf("%w: invalid header name: %q", ErrInvalidData, name)
	}
	return ModifyAction{Type: ActionChangeHeader, HeaderIndex: uint32(index), HeaderName: name, HeaderValue: milterutil.CrLfToLf(value)}, nil
}

// InsertHeader creates a modification that inserts a header at position index
// (0-based among all existing headers, 0 means at the very beginning).
func InsertHeader(index int, name, value string) (ModifyAction, error) {
	if index < 0 || index > math.MaxUint32 {
		return ModifyAction{}, fmt.Errorf("%w: invalid header index: %d", ErrInvalidData, index)
	}
	if !validName(name) {
		return ModifyAction{}, fmt.Errorf("%w: invalid header name: %q", ErrInvalidData, name)
	}
	return ModifyAction{Type: ActionInsertHeader, HeaderIndex: uint32(index), HeaderName: name, HeaderValue: milterutil.CrLfToLf(value)}, nil
}

// ModificationResponse is the sealed answer to an end-of-body command: an
// ordered list of modifications followed by exactly one terminal action.
// Build one with [NewModificationResponse]; the zero value is not usable.
type ModificationResponse struct {
	mods []ModifyAction
	act  *Action
}

// Modifications returns the modifications in insertion order.
func (r *ModificationResponse) Modifications() []ModifyAction {
	return r.mods
}

// FinalAction returns the terminal action that sealed this response.
func (r *ModificationResponse) FinalAction() *Action {
	return r.act
}

// EmptyContinue returns a sealed response with no modifications and a
// Continue terminal action.
func EmptyContinue() *ModificationResponse {
	return &ModificationResponse{act: &Action{Type: ActionContinue}}
}

// ModificationResponseBuilder accumulates modifications for a
// [ModificationResponse]. The terminal methods (Contin, Accept, Discard,
// Reject, TempFail, ReplyCode, Build) seal the response; pushing into a sealed
// builder is a programming error and panics.
type ModificationResponseBuilder struct {
	mods   []ModifyAction
	sealed bool
}

// NewModificationResponse returns an empty builder.
func NewModificationResponse() *ModificationResponseBuilder {
	return &ModificationResponseBuilder{}
}

// Push appends one modification. It returns the builder for chaining.
func (b *ModificationResponseBuilder) Push(mod ModifyAction) *ModificationResponseBuilder {
	if b.sealed {
		panic("milter: push into a sealed modification response")
	}
	b.mods = append(b.mods, mod)
	return b
}

// ReplaceBody reads the whole replacement body from r and pushes it in chunks
// of at most chunkSize bytes (0 means [DataSize64K]).
func (b *ModificationResponseBuilder) ReplaceBody(r io.Reader, chunkSize DataSize) error {
	if chunkSize == 0 {
		chunkSize = DataSize64K
	}
	scanner := milterutil.GetFixedBufferScanner(uint32(chunkSize), r)
	defer scanner.Close()
	for scanner.Scan() {
		chunk := make([]byte, len(scanner.Bytes()))
		copy(chunk, scanner.Bytes())
		b.Push(ReplaceBodyChunk(chunk))
	}
	return scanner.Err()
}

// Build seals the response with act as terminal action.
func (b *ModificationResponseBuilder) Build(act *Action) *ModificationResponse {
	if b.sealed {
		panic("milter: terminal action for a sealed modification response")
	}
	b.sealed = true
	return &ModificationResponse{mods: b.mods, act: act}
}

// Contin seals the response with a Continue terminal action.
func (b *ModificationResponseBuilder) Contin() *ModificationResponse {
	return b.Build(&Action{Type: ActionContinue})
}

// Accept seals the response with an Accept terminal action.
func (b *ModificationResponseBuilder) Accept() *ModificationResponse {
	return b.Build(&Action{Type: ActionAccept})
}

// Discard seals the response with a Discard terminal action.
func (b *ModificationResponseBuilder) Discard() *ModificationResponse {
	return b.Build(&Action{Type: ActionDiscard})
}

// Reject seals the response with a Reject terminal action.
func (b *ModificationResponseBuilder) Reject() *ModificationResponse {
	return b.Build(&Action{Type: ActionReject})
}

// TempFail seals the response with a TempFail terminal action.
func (b *ModificationResponseBuilder) TempFail() *ModificationResponse {
	return b.Build(&Action{Type: ActionTempFail})
}

// ReplyCode seals the response with a custom SMTP reply. smtpCode must be
// between 400 and 599; reason gets formatted like
// [milterutil.FormatResponse] does.
func (b *ModificationResponseBuilder) ReplyCode(smtpCode uint16, reason string) (*ModificationResponse, error) {
	if smtpCode < 400 || smtpCode > 599 {
		return nil, fmt.Errorf("%w: invalid SMTP code %d", ErrInvalidData, smtpCode)
	}
	reply, err := milterutil.FormatResponse(smtpCode, reason)
	if err != nil {
		return nil, err
	}
	return b.Build(&Action{Type: ActionRejectWithCode, SMTPCode: smtpCode, SMTPReply: reply}), nil
}
