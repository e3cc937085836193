package miltr

import (
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/girstenbrei/miltr/internal/wire"
	"github.com/girstenbrei/miltr/milterutil"
)

const allClientSupportedProtocolMasks = OptNoConnect | OptNoHelo | OptNoMailFrom | OptNoRcptTo | OptNoBody | OptNoHeaders | OptNoEOH | OptNoUnknown | OptNoData | OptSkip | OptRcptRej | OptNoHeaderReply | OptNoConnReply | OptNoHeloReply | OptNoMailReply | OptNoRcptReply | OptNoDataReply | OptNoUnknownReply | OptNoEOHReply | OptNoBodyReply | OptHeaderLeadingSpace // SMFI_CURR_PROT
const allClientSupportedProtocolMasksV2 = OptNoConnect | OptNoHelo | OptNoMailFrom | OptNoRcptTo | OptNoBody | OptNoHeaders | OptNoEOH                                                                                                                                                                                                                                      // SMFI_V2_PROT
const allClientSupportedProtocolMasksV3 = allClientSupportedProtocolMasksV2 | OptNoUnknown
const allClientSupportedProtocolMasksV4 = allClientSupportedProtocolMasksV3 | OptNoData

// AllClientSupportedActionMasks are the modification actions an MTA using
// this library can handle.
const AllClientSupportedActionMasks = OptAddHeader | OptChangeBody | OptAddRcpt | OptRemoveRcpt | OptChangeHeader | OptQuarantine | OptChangeFrom | OptAddRcptWithArgs | OptSetMacros

// Client holds the capability offer an MTA makes to one milter.
//
// Call [Client.Open] with a connected stream to start talking to the milter.
// A Client is cheap and goroutine-safe; one ClientSession per SMTP connection
// is created from it.
type Client struct {
	options options
}

// NewClient creates a new Client with the given options.
//
// You generally want to use [WithActions] to advertise to the milter what
// modification actions your MTA supports; 0 means the MTA can only accept or
// reject a transaction. If [WithProtocols] is not used, all protocol features
// the maximum version supports are offered. If [WithMaximumVersion] is not
// used, [MaxProtocolVersion] is used. If [WithoutDefaultMacros] or
// [WithMacroRequest] are not used the usual connect/helo/mail/rcpt/eom macro
// stages are announced.
//
// This function panics when you provide invalid options.
func NewClient(opts ...Option) *Client {
	options := options{
		readTimeout:    10 * time.Second,
		writeTimeout:   10 * time.Second,
		maxVersion:     MaxProtocolVersion,
		actions:        AllClientSupportedActionMasks,
		protocol:       0,
		offeredMaxData: DataSize64K,
		usedMaxData:    DataSize64K,
		macrosByStage: [][]MacroName{
			{MacroMTAFQDN, MacroDaemonName, MacroIfName, MacroIfAddr},                                                      // StageConnect
			{MacroTlsVersion, MacroCipher, MacroCipherBits, MacroCertSubject, MacroCertIssuer},                             // StageHelo
			{MacroAuthType, MacroAuthAuthen, MacroAuthSsf, MacroAuthAuthor, MacroMailMailer, MacroMailHost, MacroMailAddr}, // StageMail
			{MacroRcptMailer, MacroRcptHost, MacroRcptAddr},                                                                // StageRcpt
			{},             // StageData
			{MacroQueueId}, // StageEOM
			{},             // StageEOH
		},
	}
	for _, o := range opts {
		if o != nil {
			o(&options)
		}
	}

	if options.maxVersion > MaxProtocolVersion || options.maxVersion < MinProtocolVersion {
		panic("milter: this library cannot handle this milter version")
	}
	if options.offeredMaxData != DataSize64K && options.offeredMaxData != DataSize256K && options.offeredMaxData != DataSize1M {
		panic("milter: wrong data size passed to WithOfferedMaxData")
	}
	if options.usedMaxData == 0 {
		options.usedMaxData = options.offeredMaxData
	}
	var all OptProtocol
	switch options.maxVersion {
	case 2:
		all = allClientSupportedProtocolMasksV2
	case 3:
		all = allClientSupportedProtocolMasksV3
	case 4, 5:
		all = allClientSupportedProtocolMasksV4
	default:
		all = allClientSupportedProtocolMasks
	}
	// ensure we only offer protocol options the version can handle
	if options.protocol&^all != 0 {
		panic(fmt.Sprintf("milter: invalid protocol options for milter version %d: %q", options.maxVersion, options.protocol))
	}
	// offering nothing to filters is unlikely, just default to all we can handle
	if options.protocol == 0 {
		options.protocol = all
	}
	if options.maxFrameSize == 0 {
		options.maxFrameSize = uint32(options.offeredMaxData) + 1
	}
	if options.newMilter != nil {
		panic("milter: WithMilter/WithDynamicMilter is a server only option")
	}
	if options.negotiationCallback != nil {
		panic("milter: WithNegotiationCallback is a server only option")
	}

	return &Client{options: options}
}

type clientSessionState uint32

const (
	clientStateClosed clientSessionState = iota
	clientStateNegotiated
	clientStateConnectCalled
	clientStateHeloCalled
	clientStateMailCalled
	clientStateRcptCalled
	clientStateDataCalled
	clientStateHeaderFieldCalled
	clientStateHeaderEndCalled
	clientStateBodyChunkCalled
	clientStateError
)

// ClientSession is one milter conversation over one bidirectional stream.
// It is not safe for concurrent use — one SMTP connection drives it serially.
type ClientSession struct {
	conn io.ReadWriteCloser

	// negotiated version of this session
	version uint32

	// Bitmask of negotiated action options.
	actionOpts OptAction

	// Bitmask of negotiated protocol options.
	protocolOpts OptProtocol

	maxBodySize        uint32
	negotiatedBodySize uint32
	maxFrameSize       uint32

	state       clientSessionState
	skip        bool
	skipUnknown bool
	closedErr   error

	readTimeout  time.Duration
	writeTimeout time.Duration

	macros         Macros
	macrosByStages [][]MacroName
}

// Open starts a milter session over the connected stream conn and performs
// option negotiation on it.
//
// macros defines the macro values this session sends to the milter; it can be
// nil. Set values as soon as you know them and clear command specific macros
// like MacroRcptMailer after the command got executed.
//
// On error conn is closed. This method is goroutine-safe (a Client can open
// many sessions concurrently).
func (c *Client) Open(conn io.ReadWriteCloser, macros Macros) (*ClientSession, error) {
	s := &ClientSession{
		conn:           conn,
		readTimeout:    c.options.readTimeout,
		writeTimeout:   c.options.writeTimeout,
		state:          clientStateNegotiated,
		macros:         macros,
		macrosByStages: make([][]MacroName, StageEndMarker),
		maxBodySize:    uint32(c.options.usedMaxData),
		maxFrameSize:   c.options.maxFrameSize,
	}
	if c.options.macrosByStage != nil {
		copy(s.macrosByStages, c.options.macrosByStage)
	}

	if err := s.negotiate(c.options.maxVersion, c.options.actions, c.options.protocol, c.options.offeredMaxData); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *ClientSession) errorOut(err error) error {
	s.state = clientStateError
	if s.conn != nil {
		_ = s.conn.Close()
	}
	// give garbage collector a chance to free space
	s.macros = nil
	s.macrosByStages = nil
	return err
}

// negotiate exchanges OptNeg messages with the milter and configures this
// session with the merged capability envelope.
func (s *ClientSession) negotiate(maximumVersion uint32, actionMask OptAction, protoMask OptProtocol, offeredMaxData DataSize) error {
	offer := OptNeg{Version: maximumVersion, Actions: actionMask, Protocol: protoMask}
	if err := s.writeMessage(offer.message(offeredMaxData)); err != nil {
		return s.errorOut(fmt.Errorf("milter: negotiate: optneg write: %w", err))
	}
	msg, err := s.readMessage()
	if err != nil {
		return s.errorOut(fmt.Errorf("milter: negotiate: optneg read: %w", err))
	}
	if msg.Code != wire.CodeOptNeg {
		return s.errorOut(fmt.Errorf("%w: negotiate: unexpected code %q", ErrProtocolViolation, byte(msg.Code)))
	}
	milter, acceptedSize, err := parseOptNeg(msg.Data)
	if err != nil {
		return s.errorOut(fmt.Errorf("milter: negotiate: %w", err))
	}
	if milter.Version < MinProtocolVersion || milter.Version > maximumVersion {
		return s.errorOut(fmt.Errorf("%w: unsupported protocol version %d", ErrNegotiationFailed, milter.Version))
	}
	if milter.Actions&actionMask != milter.Actions {
		return s.errorOut(fmt.Errorf("%w: filter requested unsupported actions: MTA %q filter %q", ErrNegotiationFailed, actionMask, milter.Actions))
	}

	s.negotiatedBodySize = uint32(acceptedSize)
	if milter.Protocol&protoMask != milter.Protocol {
		return s.errorOut(fmt.Errorf("%w: filter requested unsupported protocol options: MTA %q filter %q", ErrNegotiationFailed, protoMask, milter.Protocol))
	}

	// do not send commands that older versions do not understand
	if milter.Version <= 2 {
		milter.Protocol |= OptNoUnknown
	}
	if milter.Version <= 3 {
		milter.Protocol |= OptNoData
	}

	s.version = milter.Version
	s.actionOpts = milter.Actions
	s.protocolOpts = milter.Protocol
	s.state = clientStateNegotiated

	// when the filter requested macros we use those instead of our defaults
	if milter.MacroStages != nil {
		s.macrosByStages = milter.MacroStages
	}
	for i := range s.macrosByStages {
		if s.macrosByStages[i] != nil {
			s.macrosByStages[i] = removeDuplicates(s.macrosByStages[i])
		}
	}

	return nil
}

// ProtocolOption checks whether the option is set in the negotiated options.
func (s *ClientSession) ProtocolOption(opt OptProtocol) bool {
	return s.protocolOpts&opt != 0
}

// ActionOption checks whether the option is set in the negotiated options.
func (s *ClientSession) ActionOption(opt OptAction) bool {
	return s.actionOpts&opt != 0
}

// Version returns the negotiated protocol version of this session.
func (s *ClientSession) Version() uint32 {
	return s.version
}

func (s *ClientSession) readMessage() (*wire.Message, error) {
	if d, ok := s.conn.(deadliner); ok && s.readTimeout != 0 {
		_ = d.SetReadDeadline(time.Now().Add(s.readTimeout))
		defer func() { _ = d.SetReadDeadline(time.Time{}) }()
	}
	return wire.ReadFrame(s.conn, s.maxFrameSize)
}

func (s *ClientSession) writeMessage(msg *wire.Message) error {
	if d, ok := s.conn.(deadliner); ok && s.writeTimeout != 0 {
		_ = d.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		defer func() { _ = d.SetWriteDeadline(time.Time{}) }()
	}
	return wire.WriteFrame(s.conn, msg)
}

func (s *ClientSession) sendMacros(code wire.Code, names []MacroName) error {
	if s.macros == nil {
		return nil
	}
	mac := Macro{Target: code}
	for _, name := range names {
		// only send macros we actually have values for
		if val, ok := s.macros.GetEx(name); ok {
			mac.Names = append(mac.Names, name)
			mac.Values = append(mac.Values, val)
		}
	}
	if len(mac.Names) == 0 {
		return nil
	}
	if err := s.writeMessage(&wire.Message{Code: wire.CodeMacro, Data: mac.payload()}); err != nil {
		return fmt.Errorf("milter: send macros: %w", err)
	}
	return nil
}

func (s *ClientSession) sendCmdMacros(code wire.Code, macros map[MacroName]string) error {
	if len(macros) == 0 {
		return nil
	}
	mac := Macro{Target: code}
	for name, val := range macros {
		mac.Names = append(mac.Names, name)
		mac.Values = append(mac.Values, val)
	}
	if err := s.writeMessage(&wire.Message{Code: wire.CodeMacro, Data: mac.payload()}); err != nil {
		return fmt.Errorf("milter: send macros: %w", err)
	}
	return nil
}

func (s *ClientSession) sendStageMacros(code wire.Code, stage MacroStage) error {
	if len(s.macrosByStages) > int(stage) && len(s.macrosByStages[stage]) > 0 {
		return s.sendMacros(code, s.macrosByStages[stage])
	}
	return nil
}

// readAction reads the milter's verdict for the current command, transparently
// absorbing Progress keep-alives.
func (s *ClientSession) readAction(skipOk bool) (*Action, error) {
	for {
		msg, err := s.readMessage()
		if err != nil {
			return nil, fmt.Errorf("action read: %w", err)
		}
		if wire.ActionCode(msg.Code) == wire.ActProgress {
			continue
		}

		act, err := parseAction(msg)
		if err != nil {
			return nil, err
		}
		if act.Type == ActionSkip && !skipOk {
			return nil, fmt.Errorf("%w: unexpected skip action (only valid after Rcpt, Header and Body when OptSkip was negotiated)", ErrProtocolViolation)
		}

		return act, nil
	}
}

var actionContinue = &Action{Type: ActionContinue}

// Conn sends the connection information to the milter.
//
// It should be called once per milter session (from Open to Close).
// Exception: after you called Reset you need to call Conn again.
func (s *ClientSession) Conn(hostname string, family ProtoFamily, port uint16, addr string) (*Action, error) {
	if s.state != clientStateNegotiated {
		return nil, s.errorOut(fmt.Errorf("%w: conn called in state %d", ErrProtocolViolation, s.state))
	}

	s.skip = false
	s.state = clientStateConnectCalled

	if err := s.sendStageMacros(wire.CodeConn, StageConnect); err != nil {
		return nil, s.errorOut(err)
	}

	if s.ProtocolOption(OptNoConnect) {
		return actionContinue, nil
	}

	c := Connect{Hostname: hostname, Family: family, Port: port, Addr: addr}
	if err := s.writeMessage(&wire.Message{Code: wire.CodeConn, Data: c.payload()}); err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: conn: %w", err))
	}

	if s.ProtocolOption(OptNoConnReply) {
		return actionContinue, nil
	}

	act, err := s.readAction(false)
	if err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: conn: %w", err))
	}
	if act.Type == ActionDiscard {
		LogWarning("Connect got a discard action, ignoring it")
		act.Type = ActionContinue
	}
	return act, nil
}

// Helo sends the HELO/EHLO hostname to the milter. It can be called again
// after a previous Helo, like an SMTP client re-issuing EHLO after STARTTLS.
func (s *ClientSession) Helo(helo string) (*Action, error) {
	if s.state != clientStateConnectCalled && s.state != clientStateHeloCalled {
		return nil, s.errorOut(fmt.Errorf("%w: helo called in state %d", ErrProtocolViolation, s.state))
	}

	s.skip = false
	s.state = clientStateHeloCalled

	if err := s.sendStageMacros(wire.CodeHelo, StageHelo); err != nil {
		return nil, s.errorOut(err)
	}

	// Synthesize a "go on" response when the milter does not want this event.
	if s.ProtocolOption(OptNoHelo) {
		return actionContinue, nil
	}

	h := Helo{Name: helo}
	if err := s.writeMessage(&wire.Message{Code: wire.CodeHelo, Data: h.payload()}); err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: helo: %w", err))
	}

	if s.ProtocolOption(OptNoHeloReply) {
		return actionContinue, nil
	}

	act, err := s.readAction(false)
	if err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: helo: %w", err))
	}
	if act.Type == ActionDiscard {
		LogWarning("Helo got a discard action, ignoring it")
		act.Type = ActionContinue
	}
	return act, nil
}

// Mail sends the envelope sender (with optional esmtpArgs) to the milter.
func (s *ClientSession) Mail(sender string, esmtpArgs string) (*Action, error) {
	if s.state != clientStateHeloCalled {
		return nil, s.errorOut(fmt.Errorf("%w: mail called in state %d", ErrProtocolViolation, s.state))
	}

	s.skip = false
	s.state = clientStateMailCalled

	if err := s.sendStageMacros(wire.CodeMail, StageMail); err != nil {
		return nil, s.errorOut(err)
	}

	if s.ProtocolOption(OptNoMailFrom) {
		return actionContinue, nil
	}

	m := Mail{Sender: AddAngle(sender)}
	if len(esmtpArgs) > 0 {
		m.Args = []string{esmtpArgs}
	}
	if err := s.writeMessage(&wire.Message{Code: wire.CodeMail, Data: m.payload()}); err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: mail: %w", err))
	}

	if s.ProtocolOption(OptNoMailReply) {
		return actionContinue, nil
	}

	act, err := s.readAction(false)
	if err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: mail: %w", err))
	}
	return act, nil
}

// Rcpt sends one envelope recipient (with optional esmtpArgs) to the milter.
// When OptRcptRej was negotiated the milter also wants rejected recipients.
func (s *ClientSession) Rcpt(rcpt string, esmtpArgs string) (*Action, error) {
	if s.state != clientStateMailCalled && s.state != clientStateRcptCalled {
		return nil, s.errorOut(fmt.Errorf("%w: rcpt called in state %d", ErrProtocolViolation, s.state))
	}
	if s.skip {
		return actionContinue, nil
	}

	s.state = clientStateRcptCalled

	if err := s.sendStageMacros(wire.CodeRcpt, StageRcpt); err != nil {
		return nil, s.errorOut(err)
	}

	if s.ProtocolOption(OptNoRcptTo) {
		return actionContinue, nil
	}

	r := Recipient{Rcpt: AddAngle(rcpt)}
	if len(esmtpArgs) > 0 {
		r.Args = []string{esmtpArgs}
	}
	if err := s.writeMessage(&wire.Message{Code: wire.CodeRcpt, Data: r.payload()}); err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: rcpt: %w", err))
	}

	if s.ProtocolOption(OptNoRcptReply) {
		return actionContinue, nil
	}

	act, err := s.readAction(s.ProtocolOption(OptSkip))
	if err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: rcpt: %w", err))
	}
	if act.Type == ActionSkip {
		s.skip = true
		return actionContinue, nil
	}
	return act, nil
}

// DataStart sends the start of the DATA command to the milter.
//
// When your MTA drives multiple milters in a chain, DataStart is the last
// event that is sent individually per milter. From here on the header and
// body events for the whole message must be run serially against each milter
// so that a milter in the chain sees the modifications of its predecessors.
func (s *ClientSession) DataStart() (*Action, error) {
	if s.state != clientStateRcptCalled {
		return nil, s.errorOut(fmt.Errorf("%w: data called in state %d", ErrProtocolViolation, s.state))
	}
	s.skip = false
	s.state = clientStateDataCalled

	if s.version > 3 {
		if err := s.sendStageMacros(wire.CodeData, StageData); err != nil {
			return nil, s.errorOut(err)
		}
	}

	if s.ProtocolOption(OptNoData) {
		return actionContinue, nil
	}

	if err := s.writeMessage(&wire.Message{Code: wire.CodeData}); err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: data: %w", err))
	}

	if s.ProtocolOption(OptNoDataReply) {
		return actionContinue, nil
	}

	act, err := s.readAction(false)
	if err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: data: %w", err))
	}
	return act, nil
}

func trimLastLineBreak(in string) string {
	l := len(in)
	if l > 2 && in[l-2:] == "\r\n" {
		return in[:l-2]
	}
	if l > 1 && (in[l-1:] == "\n" || in[l-1:] == "\r") {
		return in[:l-1]
	}
	return in
}

// HeaderField sends a single header field to the milter.
//
// value should be the original field value without any unfolding applied; it
// may contain the trailing CR LF of the field. HeaderEnd must be called after
// the last field.
//
// macros are only sent to the milter when it wants header events and did not
// send a skip response, so they should be relevant to this header only.
func (s *ClientSession) HeaderField(key, value string, macros map[MacroName]string) (*Action, error) {
	if s.state > clientStateHeaderFieldCalled || s.state < clientStateDataCalled {
		return nil, s.errorOut(fmt.Errorf("%w: header called in state %d", ErrProtocolViolation, s.state))
	}
	if s.skip {
		return actionContinue, nil
	}

	s.state = clientStateHeaderFieldCalled

	if s.ProtocolOption(OptNoHeaders) {
		return actionContinue, nil
	}

	if err := s.sendCmdMacros(wire.CodeHeader, macros); err != nil {
		return nil, s.errorOut(err)
	}

	h := Header{Name: key, Value: trimLastLineBreak(value)}
	if err := s.writeMessage(&wire.Message{Code: wire.CodeHeader, Data: h.payload()}); err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: header field: %w", err))
	}

	if s.ProtocolOption(OptNoHeaderReply) {
		return actionContinue, nil
	}

	act, err := s.readAction(s.ProtocolOption(OptSkip))
	if err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: header field: %w", err))
	}
	if act.Type == ActionSkip {
		s.skip = true
		return actionContinue, nil
	}
	return act, nil
}

// HeaderEnd sends the end-of-header message to the milter.
// No HeaderField calls are allowed after this point.
func (s *ClientSession) HeaderEnd() (*Action, error) {
	if s.state > clientStateHeaderFieldCalled || s.state < clientStateDataCalled {
		return nil, s.errorOut(fmt.Errorf("%w: end of header called in state %d", ErrProtocolViolation, s.state))
	}
	s.skip = false
	s.state = clientStateHeaderEndCalled

	if err := s.sendStageMacros(wire.CodeEOH, StageEOH); err != nil {
		return nil, s.errorOut(err)
	}

	if s.ProtocolOption(OptNoEOH) {
		return actionContinue, nil
	}

	if err := s.writeMessage(&wire.Message{Code: wire.CodeEOH}); err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: header end: %w", err))
	}

	if s.ProtocolOption(OptNoEOHReply) {
		return actionContinue, nil
	}

	act, err := s.readAction(false)
	if err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: header end: %w", err))
	}
	return act, nil
}

// Header sends each field of hdr followed by the end-of-header message.
// If DataStart was not called yet it is called first.
func (s *ClientSession) Header(hdr textproto.Header) (*Action, error) {
	if s.state < clientStateRcptCalled || s.state > clientStateHeaderFieldCalled {
		return nil, s.errorOut(fmt.Errorf("%w: header called in state %d", ErrProtocolViolation, s.state))
	}
	if s.state == clientStateRcptCalled {
		act, err := s.DataStart()
		if err != nil || act.Type != ActionContinue {
			return act, err
		}
	}
	if !s.ProtocolOption(OptNoHeaders) && !s.skip {
		for f := hdr.Fields(); f.Next(); {
			act, err := s.HeaderField(f.Key(), f.Value(), nil)
			if err != nil || act.Type != ActionContinue {
				return act, err
			}
			if s.skip { // HeaderField() can set s.skip
				break
			}
		}
	}

	return s.HeaderEnd()
}

// BodyChunk sends a single body chunk to the milter.
//
// It is the caller's responsibility to ensure every chunk is not bigger than
// defined with WithUsedMaxData. A skip response from the milter is translated
// into a continue response; Skip reports it afterwards.
func (s *ClientSession) BodyChunk(chunk []byte) (*Action, error) {
	if s.state < clientStateHeaderEndCalled || s.state > clientStateBodyChunkCalled {
		return nil, s.errorOut(fmt.Errorf("%w: body called in state %d", ErrProtocolViolation, s.state))
	}
	s.state = clientStateBodyChunkCalled

	if s.skip || s.ProtocolOption(OptNoBody) {
		return actionContinue, nil
	}

	if len(chunk) > int(s.maxBodySize) {
		return nil, s.errorOut(fmt.Errorf("%w: body chunk too big: %d > %d", ErrInvalidData, len(chunk), s.maxBodySize))
	}

	if err := s.writeMessage(&wire.Message{Code: wire.CodeBody, Data: chunk}); err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: body chunk: %w", err))
	}

	if s.ProtocolOption(OptNoBodyReply) {
		return actionContinue, nil
	}

	act, err := s.readAction(s.ProtocolOption(OptSkip))
	if err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: body chunk: %w", err))
	}
	if act.Type == ActionSkip {
		s.skip = true
		return actionContinue, nil
	}
	return act, nil
}

// BodyReadFrom reads the whole body from r, sends it in chunks via BodyChunk
// and finishes the message with End.
//
// When a body chunk gets a non-continue verdict before the end of the body,
// that verdict is returned as act and the modification response is nil.
func (s *ClientSession) BodyReadFrom(r io.Reader) (*ModificationResponse, *Action, error) {
	if s.state < clientStateHeaderEndCalled || s.state > clientStateBodyChunkCalled {
		return nil, nil, s.errorOut(fmt.Errorf("%w: body called in state %d", ErrProtocolViolation, s.state))
	}
	if !s.ProtocolOption(OptNoBody) && !s.skip {
		scanner := milterutil.GetFixedBufferScanner(s.maxBodySize, r)
		defer scanner.Close()
		for scanner.Scan() {
			act, err := s.BodyChunk(scanner.Bytes())
			if err != nil {
				return nil, nil, err
			}
			if s.skip { // BodyChunk can set s.skip
				break
			}
			if act.Type != ActionContinue {
				if scanner.Err() != nil {
					return nil, nil, scanner.Err()
				}
				return nil, act, nil
			}
		}
		if scanner.Err() != nil {
			return nil, nil, scanner.Err()
		}
	} else {
		s.state = clientStateBodyChunkCalled
	}

	mr, err := s.End()
	return mr, nil, err
}

// Skip reports whether the milter indicated after a BodyChunk, HeaderField or
// Rcpt call that it does not need more events of that class. It is not an
// error to keep sending the same events — the session handles skipping
// internally.
func (s *ClientSession) Skip() bool {
	return s.skip
}

// End sends the end-of-body message and reads the milter's modification
// response: any number of modification frames followed by the terminal action.
// The session is reset to the state before the Mail call afterwards, so
// another message can be checked on the same connection (Conn and Helo data is
// preserved). Call Close to conclude the session.
func (s *ClientSession) End() (*ModificationResponse, error) {
	if s.state != clientStateBodyChunkCalled {
		return nil, s.errorOut(fmt.Errorf("%w: end of body called in state %d", ErrProtocolViolation, s.state))
	}
	s.state = clientStateHeloCalled
	s.skip = false
	s.skipUnknown = false

	if err := s.sendStageMacros(wire.CodeEOB, StageEOM); err != nil {
		return nil, s.errorOut(err)
	}
	if err := s.writeMessage(&wire.Message{Code: wire.CodeEOB}); err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: end: %w", err))
	}

	mr := &ModificationResponse{}
	for {
		msg, err := s.readMessage()
		if err != nil {
			return nil, s.errorOut(fmt.Errorf("milter: end: %w", err))
		}
		if wire.ActionCode(msg.Code) == wire.ActProgress {
			continue
		}

		switch wire.ModifyActCode(msg.Code) {
		case wire.ActAddRcpt, wire.ActAddRcptPar, wire.ActDelRcpt, wire.ActReplBody, wire.ActChangeHeader,
			wire.ActInsertHeader, wire.ActAddHeader, wire.ActChangeFrom, wire.ActQuarantine:
			mod, err := parseModifyAct(msg)
			if err != nil {
				return nil, s.errorOut(fmt.Errorf("milter: end: %w", err))
			}
			mr.mods = append(mr.mods, *mod)
		default:
			act, err := parseAction(msg)
			if err != nil {
				return nil, s.errorOut(fmt.Errorf("milter: end: %w", err))
			}
			mr.act = act
			return mr, nil
		}
	}
}

// Unknown sends an SMTP command unknown to the MTA to the milter. This can
// happen at any time between Conn and DataStart.
func (s *ClientSession) Unknown(cmd string, macros map[MacroName]string) (*Action, error) {
	if s.state < clientStateNegotiated || s.state == clientStateError {
		return nil, s.errorOut(fmt.Errorf("%w: unknown called in state %d", ErrProtocolViolation, s.state))
	}

	if s.ProtocolOption(OptNoUnknown) || s.skipUnknown {
		return actionContinue, nil
	}

	if err := s.sendCmdMacros(wire.CodeUnknown, macros); err != nil {
		return nil, s.errorOut(err)
	}

	u := Unknown{Cmd: cmd}
	if err := s.writeMessage(&wire.Message{Code: wire.CodeUnknown, Data: u.payload()}); err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: unknown: %w", err))
	}

	if s.ProtocolOption(OptNoUnknownReply) {
		return actionContinue, nil
	}

	act, err := s.readAction(false)
	if err != nil {
		return nil, s.errorOut(fmt.Errorf("milter: unknown: %w", err))
	}
	return act, nil
}

// Abort aborts the current message; the milter resets its per-message state
// back to just after Helo. You can call Mail again in this session.
//
// This should be called for a premature but valid end of the SMTP
// transaction, i.e. the SMTP client issued RSET or QUIT after at least Helo.
func (s *ClientSession) Abort(macros map[MacroName]string) error {
	if s.state == clientStateError || s.state < clientStateHeloCalled {
		return s.errorOut(fmt.Errorf("%w: abort called in state %d", ErrProtocolViolation, s.state))
	}
	s.state = clientStateHeloCalled
	s.skip = false
	s.skipUnknown = false
	if err := s.sendCmdMacros(wire.CodeAbort, macros); err != nil {
		return s.errorOut(err)
	}
	if err := s.writeMessage(&wire.Message{Code: wire.CodeAbort}); err != nil {
		return s.errorOut(err)
	}

	return nil
}

// Reset sends the quit-new-connection message to the milter so this session
// can be used for another SMTP connection.
//
// You can use this for connection pooling, but beware: sendmail and Postfix
// never re-use milter connections and existing milters might not expect it.
func (s *ClientSession) Reset(macros Macros) error {
	if s.state == clientStateError || s.state == clientStateClosed {
		return s.errorOut(fmt.Errorf("%w: reset called in state %d", ErrProtocolViolation, s.state))
	}
	s.state = clientStateNegotiated
	s.skip = false
	s.skipUnknown = false
	if err := s.writeMessage(&wire.Message{Code: wire.CodeQuitNewConn}); err != nil {
		return s.errorOut(err)
	}
	s.macros = macros
	return nil
}

// Close releases resources associated with the session and closes the
// connection to the milter. If a milter conversation is in progress the quit
// message is sent first. Close can be called at any time and multiple times
// without harm.
func (s *ClientSession) Close() error {
	if s.state == clientStateClosed || s.state == clientStateError {
		return s.closedErr
	}
	s.state = clientStateClosed

	if err := s.writeMessage(&wire.Message{Code: wire.CodeQuit}); err != nil {
		s.closedErr = fmt.Errorf("milter: close: quit: %w", err)
		_ = s.conn.Close()
		return s.closedErr
	}
	s.closedErr = s.conn.Close()
	return s.closedErr
}
