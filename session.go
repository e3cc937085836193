package miltr

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/girstenbrei/miltr/internal/wire"
)

// sessionState names the point of the SMTP transaction whose command the
// server expects next. Transitions follow the milter conversation:
// negotiation, connection data, envelope, headers, body, end-of-body — and
// back to heloSeen for the next message on the same connection.
type sessionState int

const (
	stateInitial sessionState = iota
	stateNegotiated
	stateConnected
	stateHeloSeen
	stateMailFromSeen
	stateRcptSeen
	stateDataSeen
	stateHeadersStreaming
	stateEndOfHeaderSeen
	stateBodyStreaming
)

func (s sessionState) String() string {
	switch s {
	case stateInitial:
		return "Initial"
	case stateNegotiated:
		return "Negotiated"
	case stateConnected:
		return "Connected"
	case stateHeloSeen:
		return "HeloSeen"
	case stateMailFromSeen:
		return "MailFromSeen"
	case stateRcptSeen:
		return "RcptSeen"
	case stateDataSeen:
		return "DataSeen"
	case stateHeadersStreaming:
		return "HeadersStreaming"
	case stateEndOfHeaderSeen:
		return "EndOfHeaderSeen"
	case stateBodyStreaming:
		return "BodyStreaming"
	default:
		return fmt.Sprintf("sessionState(%d)", int(s))
	}
}

// serverAllowed lists the commands each state accepts. Macro, Quit and QuitNC
// are additionally accepted in every post-negotiation state (see allowedIn).
// Any (state, command) pair outside this table is a protocol violation and
// ends the session without invoking a handler.
var serverAllowed = map[sessionState][]wire.Code{
	stateInitial:     {wire.CodeOptNeg},
	stateNegotiated:  {wire.CodeConn},
	stateConnected:   {wire.CodeHelo, wire.CodeUnknown, wire.CodeAbort},
	stateHeloSeen:    {wire.CodeHelo, wire.CodeMail, wire.CodeUnknown, wire.CodeAbort},
	stateMailFromSeen: {wire.CodeRcpt, wire.CodeAbort},
	// Header directly after Rcpt happens when the DATA event is skipped
	stateRcptSeen:         {wire.CodeRcpt, wire.CodeData, wire.CodeHeader, wire.CodeAbort},
	stateDataSeen:         {wire.CodeHeader, wire.CodeEOH, wire.CodeAbort},
	stateHeadersStreaming: {wire.CodeHeader, wire.CodeEOH, wire.CodeAbort},
	stateEndOfHeaderSeen:  {wire.CodeBody, wire.CodeEOB, wire.CodeAbort},
	stateBodyStreaming:    {wire.CodeBody, wire.CodeEOB, wire.CodeAbort},
}

func allowedIn(state sessionState, code wire.Code) bool {
	if state != stateInitial && (code == wire.CodeMacro || code == wire.CodeQuit || code == wire.CodeQuitNewConn) {
		return true
	}
	for _, c := range serverAllowed[state] {
		if c == code {
			return true
		}
	}
	return false
}

// deadliner is the optional deadline surface of a session stream. When the
// stream is a net.Conn the configured read/write timeouts take effect.
type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// serverSession keeps session state during MTA communication
type serverSession struct {
	server      *Server
	version     uint32
	actions     OptAction
	protocol    OptProtocol
	maxDataSize DataSize
	state       sessionState
	macros      *macrosStages
	backendId   uint64
	mu          sync.Mutex
	conn        io.ReadWriteCloser
	modifier    *modifier
}

// init sets up the internal state of the session
func (m *serverSession) init(server *Server, conn io.ReadWriteCloser) {
	m.server = server
	m.conn = conn
	m.state = stateInitial
	m.macros = newMacroStages()
}

// readMessage reads the next inbound frame
func (m *serverSession) readMessage(timeout time.Duration) (*wire.Message, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil, errCloseSession
	}
	if d, ok := conn.(deadliner); ok && timeout != 0 {
		_ = d.SetReadDeadline(time.Now().Add(timeout))
		defer func() { _ = d.SetReadDeadline(time.Time{}) }()
	}
	return wire.ReadFrame(conn, m.server.options.maxFrameSize)
}

// writeMessage sends one milter response frame to the stream
func (m *serverSession) writeMessage(msg *wire.Message) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return errCloseSession
	}
	if d, ok := conn.(deadliner); ok && m.server.options.writeTimeout != 0 {
		_ = d.SetWriteDeadline(time.Now().Add(m.server.options.writeTimeout))
		defer func() { _ = d.SetWriteDeadline(time.Time{}) }()
	}
	return wire.WriteFrame(conn, msg)
}

// negotiate merges the MTA's capability offer with ours and returns the answer
// frame to send back.
func (m *serverSession) negotiate(msg *wire.Message) (*wire.Message, error) {
	opts := &m.server.options
	mta, offered, err := parseOptNeg(msg.Data)
	if err != nil {
		return nil, fmt.Errorf("milter: negotiate: %w", err)
	}
	filter := OptNeg{
		Version:     opts.maxVersion,
		Actions:     opts.actions,
		Protocol:    opts.protocol,
		MacroStages: opts.macrosByStage,
	}

	var merged OptNeg
	var maxDataSize DataSize
	if opts.negotiationCallback != nil {
		merged, maxDataSize, err = opts.negotiationCallback(mta, filter, offered)
		if err != nil {
			return nil, err
		}
		if merged.Version < MinProtocolVersion || merged.Version > MaxProtocolVersion {
			return nil, fmt.Errorf("%w: negotiation callback chose unsupported version %d", ErrNegotiationFailed, merged.Version)
		}
	} else {
		if mta.Version < MinProtocolVersion || mta.Version > MaxProtocolVersion {
			return nil, fmt.Errorf("%w: unsupported protocol version %d", ErrNegotiationFailed, mta.Version)
		}
		merged = filter.Merge(mta)
		// everything this filter asked for must have survived the intersection
		if err := merged.Validate(filter.Actions); err != nil {
			return nil, err
		}
		if merged.Protocol != filter.Protocol {
			return nil, fmt.Errorf("%w: MTA does not offer required protocol options. offered: %q requested: %q", ErrNegotiationFailed, mta.Protocol, filter.Protocol)
		}
		maxDataSize = offered
	}
	if maxDataSize != DataSize64K && maxDataSize != DataSize256K && maxDataSize != DataSize1M {
		maxDataSize = DataSize64K
	}
	m.version = merged.Version
	m.actions = merged.Actions
	m.protocol = merged.Protocol
	if opts.usedMaxData != 0 {
		m.maxDataSize = opts.usedMaxData
	} else {
		m.maxDataSize = maxDataSize
	}
	m.modifier = newModifier(m, modifierStateReadOnly)

	sizeOffer := DataSize(0)
	if maxDataSize != DataSize64K {
		sizeOffer = maxDataSize
	}
	answer := merged
	if merged.MacroStages != nil && mta.Actions&OptSetMacros == 0 {
		LogWarning("milter could not request its macros since the MTA does not support macro requests")
		answer.MacroStages = nil
	}
	return answer.message(sizeOffer), nil
}

// nextState returns the state after code was processed successfully.
func (m *serverSession) nextState(code wire.Code) sessionState {
	switch code {
	case wire.CodeConn:
		return stateConnected
	case wire.CodeHelo:
		return stateHeloSeen
	case wire.CodeMail:
		return stateMailFromSeen
	case wire.CodeRcpt:
		return stateRcptSeen
	case wire.CodeData:
		return stateDataSeen
	case wire.CodeHeader:
		return stateHeadersStreaming
	case wire.CodeEOH:
		return stateEndOfHeaderSeen
	case wire.CodeBody:
		return stateBodyStreaming
	case wire.CodeEOB:
		// ready for the next message on the same connection
		return stateHeloSeen
	case wire.CodeAbort:
		if m.state > stateHeloSeen {
			return stateHeloSeen
		}
		return m.state
	case wire.CodeQuitNewConn:
		return stateNegotiated
	default:
		return m.state
	}
}

// handleMacro stores the macro values carried by msg and notifies the backend.
// Macros are advisory: malformed frames are logged and skipped unless
// WithStrictMacros was used.
func (m *serverSession) handleMacro(backend Milter, msg *wire.Message) error {
	mac, err := parseMacro(msg.Data)
	if err != nil {
		if m.server.options.strictMacros {
			return err
		}
		LogWarning("skipping malformed macro frame: %v", err)
		return nil
	}
	var stage MacroStage
	switch mac.Target {
	case wire.CodeConn:
		stage = StageConnect
	case wire.CodeHelo:
		stage = StageHelo
	case wire.CodeMail:
		stage = StageMail
	case wire.CodeRcpt:
		stage = StageRcpt
	case wire.CodeData:
		stage = StageData
	case wire.CodeEOH:
		stage = StageEOH
	case wire.CodeEOB:
		stage = StageEOM
	case wire.CodeUnknown, wire.CodeHeader, wire.CodeAbort, wire.CodeBody:
		stage = StageEndMarker // this stage gets cleared after the command
	default:
		if m.server.options.strictMacros {
			return fmt.Errorf("%w: macro for unexpected command %q", ErrInvalidData, byte(mac.Target))
		}
		LogWarning("MTA sent macros for %q. we cannot handle this so we ignore it", byte(mac.Target))
		return nil
	}
	m.macros.DelStageAndAbove(stage)
	if len(mac.Names) > 0 {
		kv := make([]string, 0, len(mac.Names)*2)
		byName := make(map[MacroName]string, len(mac.Names))
		for i := range mac.Names {
			kv = append(kv, mac.Names[i], mac.Values[i])
			byName[mac.Names[i]] = mac.Values[i]
		}
		m.macros.SetStage(stage, kv...)
		backend.Macro(stage, byName)
	}
	return nil
}

// dispatch parses msg and invokes the matching handler. The returned Response
// may be nil for one-way commands.
func (m *serverSession) dispatch(backend Milter, msg *wire.Message) (*Response, error) {
	switch msg.Code {
	case wire.CodeConn:
		conn, err := parseConnect(msg.Data)
		if err != nil {
			return nil, err
		}
		m.macros.DelStageAndAbove(StageHelo)
		family, addr, err := validateConnect(conn)
		if err != nil {
			return nil, err
		}
		return backend.Connect(conn.Hostname, family, conn.Port, addr, m.modifier.withState(modifierStateProgressOnly))

	case wire.CodeHelo:
		helo, err := parseHelo(msg.Data)
		if err != nil {
			return nil, err
		}
		m.macros.DelStageAndAbove(StageMail)
		return backend.Helo(helo.Name, m.modifier.withState(modifierStateProgressOnly))

	case wire.CodeMail:
		mail, err := parseMail(msg.Data)
		if err != nil {
			return nil, err
		}
		m.macros.DelStageAndAbove(StageRcpt)
		return backend.MailFrom(RemoveAngle(mail.Sender), strings.Join(mail.Args, " "), m.modifier.withState(modifierStateProgressOnly))

	case wire.CodeRcpt:
		rcpt, err := parseRecipient(msg.Data)
		if err != nil {
			return nil, err
		}
		m.macros.DelStageAndAbove(StageData)
		return backend.RcptTo(RemoveAngle(rcpt.Rcpt), strings.Join(rcpt.Args, " "), m.modifier.withState(modifierStateProgressOnly))

	case wire.CodeData:
		m.macros.DelStageAndAbove(StageEOH)
		return backend.Data(m.modifier.withState(modifierStateProgressOnly))

	case wire.CodeHeader:
		hdr, err := parseHeader(msg.Data)
		if err != nil {
			return nil, err
		}
		resp, err := backend.Header(hdr.Name, hdr.Value, m.modifier.withState(modifierStateProgressOnly))
		m.macros.DelStage(StageEndMarker)
		return resp, err

	case wire.CodeEOH:
		m.macros.DelStageAndAbove(StageEOM)
		return backend.Headers(m.modifier.withState(modifierStateProgressOnly))

	case wire.CodeBody:
		resp, err := backend.BodyChunk(msg.Data, m.modifier.withState(modifierStateProgressOnly))
		m.macros.DelStage(StageEndMarker)
		return resp, err

	case wire.CodeUnknown:
		u, err := parseUnknown(msg.Data)
		if err != nil {
			return nil, err
		}
		resp, err := backend.Unknown(u.Cmd, m.modifier.withState(modifierStateProgressOnly))
		m.macros.DelStage(StageEndMarker)
		return resp, err

	case wire.CodeAbort:
		err := backend.Abort(m.modifier.withState(modifierStateReadOnly))
		m.macros.DelStageAndAbove(StageMail)
		return nil, err

	case wire.CodeQuitNewConn:
		m.macros.DelStageAndAbove(StageConnect)
		return nil, backend.NewConnection(m.modifier.withState(modifierStateReadOnly))

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCode, byte(msg.Code))
	}
}

// validateConnect checks the address of a Connect command and maps the wire
// family byte to the family names the handler interface uses.
func validateConnect(c *Connect) (family string, addr string, err error) {
	switch c.Family {
	case FamilyUnknown:
		return "unknown", "", nil
	case FamilyUnix:
		return "unix", c.Addr, nil
	case FamilyInet:
		ip := net.ParseIP(c.Addr)
		if ip == nil || ip.To4() == nil {
			return "", "", fmt.Errorf("%w: connect: unexpected ip4 address: %q", ErrInvalidData, c.Addr)
		}
		return "tcp4", c.Addr, nil
	case FamilyInet6:
		addr := strings.TrimPrefix(c.Addr, "IPv6:")
		// also accept [dead::cafe] style IPv6 addresses
		if len(addr) > 2 && addr[0] == '[' && addr[len(addr)-1] == ']' {
			addr = addr[1 : len(addr)-1]
		}
		ip := net.ParseIP(addr)
		if ip == nil {
			return "", "", fmt.Errorf("%w: connect: unexpected ip6 address: %q", ErrInvalidData, c.Addr)
		}
		return "tcp6", ip.String(), nil
	default:
		return "", "", fmt.Errorf("%w: connect: unexpected protocol family: %q", ErrInvalidData, byte(c.Family))
	}
}

// writeModificationResponse serializes an end-of-body response: every
// modification in insertion order, filtered by the negotiated action mask,
// then the terminal action.
func (m *serverSession) writeModificationResponse(mr *ModificationResponse) error {
	for i := range mr.mods {
		mod := &mr.mods[i]
		if !mod.allowed(m.actions) {
			LogWarning("dropping modification %s: %v (negotiated mask %q)", mod, ErrModificationNotAllowed, m.actions)
			continue
		}
		if mod.Type == ActionChangeFrom && m.version < 6 {
			LogWarning("dropping modification %s: %v", mod, ErrVersionTooLow)
			continue
		}
		msg := mod.message()
		if len(msg.Data) > int(m.maxDataSize) {
			return fmt.Errorf("%w: modification payload too big: %d > %d", ErrInvalidData, len(msg.Data), m.maxDataSize)
		}
		if err := m.writeMessage(msg); err != nil {
			return err
		}
	}
	act := mr.act
	if act == nil {
		act = &Action{Type: ActionAccept}
	}
	resp, err := responseFor(act)
	if err != nil {
		return err
	}
	return m.writeMessage(resp.Response())
}

// skipResponse reports whether the negotiated no-reply bitmap covers the stage
// of code.
func (m *serverSession) skipResponse(code wire.Code) bool {
	switch code {
	case wire.CodeConn:
		return m.protocol&OptNoConnReply != 0
	case wire.CodeHelo:
		return m.protocol&OptNoHeloReply != 0
	case wire.CodeMail:
		return m.protocol&OptNoMailReply != 0
	case wire.CodeRcpt:
		return m.protocol&OptNoRcptReply != 0
	case wire.CodeData:
		return m.protocol&OptNoDataReply != 0
	case wire.CodeUnknown:
		return m.protocol&OptNoUnknownReply != 0
	case wire.CodeEOH:
		return m.protocol&OptNoEOHReply != 0
	case wire.CodeHeader:
		return m.protocol&OptNoHeaderReply != 0
	case wire.CodeBody:
		return m.protocol&OptNoBodyReply != 0
	default:
		return false
	}
}

// ignoreError checks if the error just means the session ended.
func ignoreError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, errCloseSession) || errors.Is(err, net.ErrClosed)
}

func (m *serverSession) closeConn() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil && !ignoreError(err) {
			LogWarning("error closing connection: %v", err)
		}
	}
}

// handleCommands processes all milter commands of one session. It returns the
// first fatal error or nil when the MTA ended the session regularly.
func (m *serverSession) handleCommands() error {
	defer m.closeConn()

	// negotiation has a hard-coded timeout of one second
	msg, err := m.readMessage(time.Second)
	if err != nil {
		if ignoreError(err) {
			return nil
		}
		return err
	}
	if msg.Code != wire.CodeOptNeg {
		return fmt.Errorf("%w: %s in state %s", ErrProtocolViolation, msg.Code, m.state)
	}
	answer, err := m.negotiate(msg)
	if err != nil {
		return err
	}
	m.state = stateNegotiated

	var backend Milter
	backend, m.backendId = m.server.newMilter(m.version, m.actions, m.protocol, m.maxDataSize)
	m.modifier.milterId = m.backendId
	defer func() {
		backend.Cleanup(m.modifier.withState(modifierStateReadOnly))
	}()
	if err := backend.NewConnection(m.modifier.withState(modifierStateReadOnly)); err != nil {
		return nil
	}
	if err := m.writeMessage(answer); err != nil {
		if ignoreError(err) {
			return nil
		}
		return err
	}

	readTimeout := m.server.options.readTimeout
	for {
		msg, err = m.readMessage(readTimeout)
		if err != nil {
			if ignoreError(err) {
				return nil
			}
			return err
		}

		if !allowedIn(m.state, msg.Code) {
			return fmt.Errorf("%w: %s in state %s", ErrProtocolViolation, msg.Code, m.state)
		}

		switch msg.Code {
		case wire.CodeOptNeg:
			return fmt.Errorf("%w: renegotiation on an established session", ErrProtocolViolation)

		case wire.CodeQuit:
			backend.Quit(m.modifier.withState(modifierStateReadOnly))
			return nil

		case wire.CodeMacro:
			if err := m.handleMacro(backend, msg); err != nil {
				return err
			}

		case wire.CodeEOB:
			mr, err := backend.EndOfMessage(m.modifier.withState(modifierStateProgressOnly))
			if err != nil {
				if m.server.options.errorPolicy == ErrorPolicyCloseSession {
					return err
				}
				LogWarning("milter handler for EndOfBody failed: %v", err)
				mr = NewModificationResponse().TempFail()
			}
			if mr == nil {
				mr = NewModificationResponse().Accept()
			}
			if err := m.writeModificationResponse(mr); err != nil {
				if ignoreError(err) {
					return nil
				}
				return err
			}
			m.macros.DelStageAndAbove(StageMail)
			m.state = m.nextState(msg.Code)

		default:
			resp, err := m.dispatch(backend, msg)
			if err != nil {
				if parserError(err) || m.server.options.errorPolicy == ErrorPolicyCloseSession {
					return err
				}
				if msg.Code == wire.CodeQuitNewConn {
					// a failed NewConnection ends the milter connection
					return nil
				}
				LogWarning("milter handler for %s failed: %v", msg.Code, err)
				if msg.Code != wire.CodeAbort && msg.Code != wire.CodeQuitNewConn {
					// one-way commands have no reply to downgrade
					resp = RespTempFail
				}
			}
			if resp != nil && !m.skipResponse(msg.Code) {
				if err := m.writeMessage(resp.Response()); err != nil {
					if ignoreError(err) {
						return nil
					}
					return err
				}
			}
			m.state = m.nextState(msg.Code)
		}
	}
}

// parserError reports whether err came from the protocol engine itself, not
// from a filter handler. Engine errors are always fatal regardless of the
// configured error policy.
func parserError(err error) bool {
	return errors.Is(err, ErrNotEnoughData) || errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrProtocolViolation) || errors.Is(err, ErrUnknownCode)
}
