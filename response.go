package miltr

import (
	"fmt"
	"strings"

	"github.com/girstenbrei/miltr/internal/wire"
	"github.com/girstenbrei/miltr/milterutil"
)

// Response is a reply a filter handler returns to indicate how the MTA should
// proceed with the current command.
type Response struct {
	code wire.Code
	data []byte
}

// Response returns the wire message of this response.
func (c *Response) Response() *wire.Message {
	return &wire.Message{Code: c.code, Data: c.data}
}

// Continue returns false if the MTA should stop sending events for this
// transaction, true otherwise.
func (c *Response) Continue() bool {
	switch wire.ActionCode(c.code) {
	case wire.ActAccept, wire.ActDiscard, wire.ActReject, wire.ActTempFail, wire.ActReplyCode:
		return false
	default:
		return true
	}
}

// newResponse generates a new Response suitable for wire.WriteFrame
func newResponse(code wire.Code, data []byte) *Response {
	return &Response{code, data}
}

// newResponseStr generates a new Response with a null-byte terminated string payload
func newResponseStr(code wire.Code, data string) (*Response, error) {
	if len(data) > int(DataSize64K)-1 { // space for the null-byte
		return nil, fmt.Errorf("%w: data length %d > %d", ErrInvalidData, len(data), int(DataSize64K)-1)
	}
	if strings.ContainsRune(data, 0) {
		return nil, fmt.Errorf("%w: data cannot contain null-bytes", ErrInvalidData)
	}
	return newResponse(code, []byte(data+"\x00")), nil
}

// RejectWithCodeAndReason stops processing and tells the SMTP client the error
// code and reason to send.
//
// smtpCode must be between 400 and 599, otherwise this function returns an error.
//
// The reason can contain new-lines. Line ending canonicalization and RFC 2034
// multi-line handling are done automatically.
func RejectWithCodeAndReason(smtpCode uint16, reason string) (*Response, error) {
	if smtpCode < 400 || smtpCode > 599 {
		return nil, fmt.Errorf("%w: invalid code %d", ErrInvalidData, smtpCode)
	}
	data, err := milterutil.FormatResponse(smtpCode, reason)
	if err != nil {
		return nil, err
	}
	return newResponseStr(wire.Code(wire.ActReplyCode), data)
}

// Standard responses with no data.
var (
	// RespAccept signals to the MTA that the current transaction should be accepted.
	// No more events get sent to the milter after this response.
	RespAccept = &Response{code: wire.Code(wire.ActAccept)}

	// RespContinue signals to the MTA that the current transaction should continue.
	RespContinue = &Response{code: wire.Code(wire.ActContinue)}

	// RespDiscard signals to the MTA that the current transaction should be silently discarded.
	// No more events get sent to the milter after this response.
	RespDiscard = &Response{code: wire.Code(wire.ActDiscard)}

	// RespReject signals to the MTA that the current transaction should be rejected
	// with a permanent error.
	RespReject = &Response{code: wire.Code(wire.ActReject)}

	// RespTempFail signals to the MTA that the current transaction should be rejected
	// with a temporary error code. The sending MTA might try to deliver the same
	// message again at a later time.
	RespTempFail = &Response{code: wire.Code(wire.ActTempFail)}

	// RespSkip signals to the MTA that the transaction should continue and that the
	// MTA does not need to send more events of the same type. Only meaningful as
	// return value of the RcptTo, Header and BodyChunk handlers on protocol
	// version 6 connections.
	RespSkip = &Response{code: wire.Code(wire.ActSkip)}

	// respProgress is the keep-alive a handler emits via Modifier.Progress.
	respProgress = &Response{code: wire.Code(wire.ActProgress)}
)

// responseFor translates a builder-sealed terminal Action into the Response
// written on the wire.
func responseFor(act *Action) (*Response, error) {
	msg, err := act.message()
	if err != nil {
		return nil, err
	}
	return newResponse(msg.Code, msg.Data), nil
}
