package miltr

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/girstenbrei/miltr/internal/wire"
)

// testMilter records handler invocations and lets tests override behavior.
type testMilter struct {
	NoOpMilter
	calls       []string
	macroSeen   map[MacroName]string
	mailErr     error
	endOfBody   func() (*ModificationResponse, error)
	connectSeen *Connect
}

func (m *testMilter) Connect(host string, family string, port uint16, addr string, mod Modifier) (*Response, error) {
	m.calls = append(m.calls, "connect")
	m.connectSeen = &Connect{Hostname: host, Port: port, Addr: addr}
	if m.macroSeen == nil {
		m.macroSeen = make(map[MacroName]string)
	}
	if v, ok := mod.GetEx(MacroMTAFQDN); ok {
		m.macroSeen[MacroMTAFQDN] = v
	}
	return RespContinue, nil
}

func (m *testMilter) Helo(name string, mod Modifier) (*Response, error) {
	m.calls = append(m.calls, "helo")
	return RespContinue, nil
}

func (m *testMilter) MailFrom(from string, esmtpArgs string, mod Modifier) (*Response, error) {
	m.calls = append(m.calls, "mail:"+from)
	if m.mailErr != nil {
		return nil, m.mailErr
	}
	return RespContinue, nil
}

func (m *testMilter) RcptTo(rcptTo string, esmtpArgs string, mod Modifier) (*Response, error) {
	m.calls = append(m.calls, "rcpt:"+rcptTo)
	return RespContinue, nil
}

func (m *testMilter) Data(mod Modifier) (*Response, error) {
	m.calls = append(m.calls, "data")
	return RespContinue, nil
}

func (m *testMilter) Header(name, value string, mod Modifier) (*Response, error) {
	m.calls = append(m.calls, "header:"+name)
	return RespContinue, nil
}

func (m *testMilter) Headers(mod Modifier) (*Response, error) {
	m.calls = append(m.calls, "eoh")
	return RespContinue, nil
}

func (m *testMilter) BodyChunk(chunk []byte, mod Modifier) (*Response, error) {
	m.calls = append(m.calls, "body:"+string(chunk))
	return RespContinue, nil
}

func (m *testMilter) EndOfMessage(mod Modifier) (*ModificationResponse, error) {
	m.calls = append(m.calls, "eob")
	if m.endOfBody != nil {
		return m.endOfBody()
	}
	return EmptyContinue(), nil
}

func (m *testMilter) Abort(mod Modifier) error {
	m.calls = append(m.calls, "abort")
	return nil
}

func (m *testMilter) NewConnection(mod Modifier) error {
	m.calls = append(m.calls, "new-connection")
	return nil
}

func (m *testMilter) Quit(mod Modifier) {
	m.calls = append(m.calls, "quit")
}

// mta drives the MTA side of a session in tests.
type mta struct {
	t    *testing.T
	conn net.Conn
}

func (m *mta) send(code wire.Code, data []byte) {
	m.t.Helper()
	if err := wire.WriteFrame(m.conn, &wire.Message{Code: code, Data: data}); err != nil {
		m.t.Fatalf("send %s: %v", code, err)
	}
}

func (m *mta) recv() *wire.Message {
	m.t.Helper()
	_ = m.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := wire.ReadFrame(m.conn, 0)
	if err != nil {
		m.t.Fatalf("recv: %v", err)
	}
	return msg
}

func (m *mta) expect(code wire.Code) *wire.Message {
	m.t.Helper()
	msg := m.recv()
	if msg.Code != code {
		m.t.Fatalf("got frame %s, want %s", msg.Code, code)
	}
	return msg
}

func (m *mta) optNeg(o OptNeg) OptNeg {
	m.t.Helper()
	m.send(wire.CodeOptNeg, o.payload(0))
	reply := m.expect(wire.CodeOptNeg)
	merged, _, err := parseOptNeg(reply.Data)
	if err != nil {
		m.t.Fatalf("parse optneg reply: %v", err)
	}
	return merged
}

// startSession runs srv.Handle on one end of a pipe and returns the MTA side.
func startSession(t *testing.T, srv *Server) (*mta, chan error) {
	t.Helper()
	mtaSide, milterSide := net.Pipe()
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Handle(milterSide)
	}()
	t.Cleanup(func() { _ = mtaSide.Close() })
	return &mta{t: t, conn: mtaSide}, errCh
}

func waitErr(t *testing.T, errCh chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

// scenario: MTA offers actions 0x1FF, filter declares 0x00F, negotiated mask is the intersection
func TestSessionNegotiation(t *testing.T) {
	srv := NewServer(WithMilter(func() Milter { return &testMilter{} }), WithActions(0x00F))
	m, errCh := startSession(t, srv)

	merged := m.optNeg(OptNeg{Version: 6, Actions: 0x1FF, Protocol: 0})
	if merged.Actions != 0x00F {
		t.Errorf("negotiated actions = %#x, want 0x00F", uint32(merged.Actions))
	}
	if merged.Version != 6 {
		t.Errorf("negotiated version = %d, want 6", merged.Version)
	}
	m.send(wire.CodeQuit, nil)
	if err := waitErr(t, errCh); err != nil {
		t.Errorf("Handle() error = %v", err)
	}
}

func TestSessionNegotiationRequiredActions(t *testing.T) {
	srv := NewServer(WithMilter(func() Milter { return &testMilter{} }), WithActions(OptQuarantine))
	m, errCh := startSession(t, srv)

	m.send(wire.CodeOptNeg, OptNeg{Version: 6, Actions: OptAddHeader, Protocol: 0}.payload(0))
	if err := waitErr(t, errCh); !errors.Is(err, ErrNegotiationFailed) {
		t.Errorf("Handle() error = %v, want ErrNegotiationFailed", err)
	}
}

func TestSessionNegotiationVersionTooOld(t *testing.T) {
	srv := NewServer(WithMilter(func() Milter { return &testMilter{} }))
	m, errCh := startSession(t, srv)

	m.send(wire.CodeOptNeg, OptNeg{Version: 1, Actions: 0x7F, Protocol: 0}.payload(0))
	if err := waitErr(t, errCh); !errors.Is(err, ErrNegotiationFailed) {
		t.Errorf("Handle() error = %v, want ErrNegotiationFailed", err)
	}
}

// scenario: two messages on one connection without renegotiation
func TestSessionManyMessages(t *testing.T) {
	backend := &testMilter{}
	backend.endOfBody = func() (*ModificationResponse, error) {
		mod, err := InsertHeader(0, "name", "value")
		if err != nil {
			return nil, err
		}
		return NewModificationResponse().Push(mod).Contin(), nil
	}
	srv := NewServer(
		WithMilter(func() Milter { return backend }),
		WithActions(OptAddHeader|OptChangeHeader),
	)
	m, errCh := startSession(t, srv)
	m.optNeg(OptNeg{Version: 6, Actions: AllClientSupportedActionMasks, Protocol: 0})

	m.send(wire.CodeConn, Connect{Hostname: "localhost", Family: FamilyInet, Port: 2525, Addr: "127.0.0.1"}.payload())
	m.expect(wire.Code(wire.ActContinue))
	m.send(wire.CodeHelo, (&Helo{Name: "localhost"}).payload())
	m.expect(wire.Code(wire.ActContinue))

	for i := 0; i < 2; i++ {
		m.send(wire.CodeMail, (&Mail{Sender: "<sender@test.local>"}).payload())
		m.expect(wire.Code(wire.ActContinue))
		m.send(wire.CodeRcpt, (&Recipient{Rcpt: "<rcpt@test.local>"}).payload())
		m.expect(wire.Code(wire.ActContinue))
		m.send(wire.CodeData, nil)
		m.expect(wire.Code(wire.ActContinue))
		m.send(wire.CodeHeader, (&Header{Name: "X-Header", Value: "My value"}).payload())
		m.expect(wire.Code(wire.ActContinue))
		m.send(wire.CodeEOH, nil)
		m.expect(wire.Code(wire.ActContinue))
		m.send(wire.CodeBody, []byte("A very simple mail body"))
		m.expect(wire.Code(wire.ActContinue))
		m.send(wire.CodeEOB, nil)

		ins := m.expect(wire.Code(wire.ActInsertHeader))
		insMod, err := parseModifyAct(ins)
		if err != nil || insMod.HeaderName != "name" || insMod.HeaderValue != "value" || insMod.HeaderIndex != 0 {
			t.Fatalf("insert header frame = %v (err %v)", insMod, err)
		}
		m.expect(wire.Code(wire.ActContinue))
	}

	m.send(wire.CodeQuit, nil)
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	eobs := 0
	for _, c := range backend.calls {
		if c == "eob" {
			eobs++
		}
	}
	if eobs != 2 {
		t.Errorf("end of body handler ran %d times, want 2", eobs)
	}
}

// property: a command outside the allowed set of the current state ends the
// session without invoking any handler
func TestSessionProtocolViolation(t *testing.T) {
	disallowed := map[sessionState][]wire.Code{
		stateNegotiated:  {wire.CodeHelo, wire.CodeMail, wire.CodeRcpt, wire.CodeData, wire.CodeHeader, wire.CodeEOH, wire.CodeBody, wire.CodeEOB, wire.CodeUnknown, wire.CodeAbort},
		stateConnected:   {wire.CodeMail, wire.CodeRcpt, wire.CodeData, wire.CodeHeader, wire.CodeEOH, wire.CodeBody, wire.CodeEOB, wire.CodeConn},
		stateHeloSeen:    {wire.CodeRcpt, wire.CodeData, wire.CodeHeader, wire.CodeEOH, wire.CodeBody, wire.CodeEOB, wire.CodeConn},
		stateMailFromSeen: {wire.CodeMail, wire.CodeData, wire.CodeHeader, wire.CodeEOH, wire.CodeBody, wire.CodeEOB, wire.CodeConn, wire.CodeHelo, wire.CodeUnknown},
	}
	setup := map[sessionState]func(m *mta){
		stateNegotiated: func(m *mta) {},
		stateConnected: func(m *mta) {
			m.send(wire.CodeConn, Connect{Hostname: "localhost", Family: FamilyUnknown}.payload())
			m.expect(wire.Code(wire.ActContinue))
		},
		stateHeloSeen: func(m *mta) {
			m.send(wire.CodeConn, Connect{Hostname: "localhost", Family: FamilyUnknown}.payload())
			m.expect(wire.Code(wire.ActContinue))
			m.send(wire.CodeHelo, (&Helo{Name: "localhost"}).payload())
			m.expect(wire.Code(wire.ActContinue))
		},
		stateMailFromSeen: func(m *mta) {
			m.send(wire.CodeConn, Connect{Hostname: "localhost", Family: FamilyUnknown}.payload())
			m.expect(wire.Code(wire.ActContinue))
			m.send(wire.CodeHelo, (&Helo{Name: "localhost"}).payload())
			m.expect(wire.Code(wire.ActContinue))
			m.send(wire.CodeMail, (&Mail{Sender: "<a@b>"}).payload())
			m.expect(wire.Code(wire.ActContinue))
		},
	}
	for state, codes := range disallowed {
		for _, code := range codes {
			code := code
			t.Run(state.String()+"/"+code.String(), func(t *testing.T) {
				backend := &testMilter{}
				srv := NewServer(WithMilter(func() Milter { return backend }))
				m, errCh := startSession(t, srv)
				m.optNeg(OptNeg{Version: 6, Actions: AllClientSupportedActionMasks, Protocol: 0})
				setup[state](m)
				handlerCalls := len(backend.calls)
				m.send(code, []byte("x\x00y\x00"))
				if err := waitErr(t, errCh); !errors.Is(err, ErrProtocolViolation) {
					t.Fatalf("Handle() error = %v, want ErrProtocolViolation", err)
				}
				if len(backend.calls) != handlerCalls {
					t.Errorf("handler was invoked for disallowed command: %v", backend.calls[handlerCalls:])
				}
			})
		}
	}
}

// property: modifications whose action bit was not negotiated are dropped
func TestSessionCapabilityGating(t *testing.T) {
	backend := &testMilter{}
	backend.endOfBody = func() (*ModificationResponse, error) {
		hdr, _ := AddHeader("X-Test", "1")
		return NewModificationResponse().
			Push(Quarantine("not negotiated")).
			Push(hdr).
			Accept(), nil
	}
	srv := NewServer(WithMilter(func() Milter { return backend }), WithActions(OptAddHeader))
	m, errCh := startSession(t, srv)
	m.optNeg(OptNeg{Version: 6, Actions: AllClientSupportedActionMasks, Protocol: 0})

	runToEOB(t, m)

	// only the AddHeader may appear, the quarantine bit was not negotiated
	m.expect(wire.Code(wire.ActAddHeader))
	m.expect(wire.Code(wire.ActAccept))
	m.send(wire.CodeQuit, nil)
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
}

func runToEOB(t *testing.T, m *mta) {
	t.Helper()
	m.send(wire.CodeConn, Connect{Hostname: "localhost", Family: FamilyInet, Port: 25, Addr: "127.0.0.1"}.payload())
	m.expect(wire.Code(wire.ActContinue))
	m.send(wire.CodeHelo, (&Helo{Name: "localhost"}).payload())
	m.expect(wire.Code(wire.ActContinue))
	m.send(wire.CodeMail, (&Mail{Sender: "<a@b>"}).payload())
	m.expect(wire.Code(wire.ActContinue))
	m.send(wire.CodeRcpt, (&Recipient{Rcpt: "<c@d>"}).payload())
	m.expect(wire.Code(wire.ActContinue))
	m.send(wire.CodeData, nil)
	m.expect(wire.Code(wire.ActContinue))
	m.send(wire.CodeEOH, nil)
	m.expect(wire.Code(wire.ActContinue))
	m.send(wire.CodeBody, []byte("body"))
	m.expect(wire.Code(wire.ActContinue))
	m.send(wire.CodeEOB, nil)
}

// no-reply promises suppress the per-command reply but not the dispatch
func TestSessionNoReplyBitmap(t *testing.T) {
	backend := &testMilter{}
	srv := NewServer(WithMilter(func() Milter { return backend }), WithProtocol(OptNoHeloReply))
	m, errCh := startSession(t, srv)
	m.optNeg(OptNeg{Version: 6, Actions: AllClientSupportedActionMasks, Protocol: allClientSupportedProtocolMasks})

	m.send(wire.CodeConn, Connect{Hostname: "localhost", Family: FamilyUnknown}.payload())
	m.expect(wire.Code(wire.ActContinue))
	m.send(wire.CodeHelo, (&Helo{Name: "localhost"}).payload())
	// no reply for helo: the next reply belongs to mail
	m.send(wire.CodeMail, (&Mail{Sender: "<a@b>"}).payload())
	m.expect(wire.Code(wire.ActContinue))

	m.send(wire.CodeQuit, nil)
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	found := false
	for _, c := range backend.calls {
		if c == "helo" {
			found = true
		}
	}
	if !found {
		t.Error("helo handler was not dispatched")
	}
}

func TestSessionHandlerErrorTempFail(t *testing.T) {
	backend := &testMilter{mailErr: errors.New("database down")}
	srv := NewServer(WithMilter(func() Milter { return backend }))
	m, errCh := startSession(t, srv)
	m.optNeg(OptNeg{Version: 6, Actions: AllClientSupportedActionMasks, Protocol: 0})

	m.send(wire.CodeConn, Connect{Hostname: "localhost", Family: FamilyUnknown}.payload())
	m.expect(wire.Code(wire.ActContinue))
	m.send(wire.CodeHelo, (&Helo{Name: "localhost"}).payload())
	m.expect(wire.Code(wire.ActContinue))
	m.send(wire.CodeMail, (&Mail{Sender: "<a@b>"}).payload())
	m.expect(wire.Code(wire.ActTempFail))

	// the session stays usable
	m.send(wire.CodeAbort, nil)
	m.send(wire.CodeQuit, nil)
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
}

func TestSessionHandlerErrorClosePolicy(t *testing.T) {
	backend := &testMilter{mailErr: errors.New("database down")}
	srv := NewServer(WithMilter(func() Milter { return backend }), WithErrorPolicy(ErrorPolicyCloseSession))
	m, errCh := startSession(t, srv)
	m.optNeg(OptNeg{Version: 6, Actions: AllClientSupportedActionMasks, Protocol: 0})

	m.send(wire.CodeConn, Connect{Hostname: "localhost", Family: FamilyUnknown}.payload())
	m.expect(wire.Code(wire.ActContinue))
	m.send(wire.CodeHelo, (&Helo{Name: "localhost"}).payload())
	m.expect(wire.Code(wire.ActContinue))
	m.send(wire.CodeMail, (&Mail{Sender: "<a@b>"}).payload())
	if err := waitErr(t, errCh); err == nil {
		t.Fatal("Handle() did not report the handler error")
	}
}

func TestSessionMacros(t *testing.T) {
	backend := &testMilter{}
	srv := NewServer(WithMilter(func() Milter { return backend }))
	m, errCh := startSession(t, srv)
	m.optNeg(OptNeg{Version: 6, Actions: AllClientSupportedActionMasks, Protocol: 0})

	mac := Macro{Target: wire.CodeConn, Names: []MacroName{MacroMTAFQDN}, Values: []string{"mta.example.com"}}
	m.send(wire.CodeMacro, mac.payload())
	m.send(wire.CodeConn, Connect{Hostname: "localhost", Family: FamilyUnknown}.payload())
	m.expect(wire.Code(wire.ActContinue))
	m.send(wire.CodeQuit, nil)
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if backend.macroSeen[MacroMTAFQDN] != "mta.example.com" {
		t.Errorf("macro not visible in connect handler: %v", backend.macroSeen)
	}
}

func TestSessionMalformedMacroSkipped(t *testing.T) {
	backend := &testMilter{}
	srv := NewServer(WithMilter(func() Milter { return backend }))
	m, errCh := startSession(t, srv)
	m.optNeg(OptNeg{Version: 6, Actions: AllClientSupportedActionMasks, Protocol: 0})

	// odd number of NUL-terminated items: advisory data, logged and skipped
	m.send(wire.CodeMacro, []byte("Cj\x00"))
	m.send(wire.CodeConn, Connect{Hostname: "localhost", Family: FamilyUnknown}.payload())
	m.expect(wire.Code(wire.ActContinue))
	m.send(wire.CodeQuit, nil)
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
}

func TestSessionMalformedMacroStrict(t *testing.T) {
	backend := &testMilter{}
	srv := NewServer(WithMilter(func() Milter { return backend }), WithStrictMacros())
	m, errCh := startSession(t, srv)
	m.optNeg(OptNeg{Version: 6, Actions: AllClientSupportedActionMasks, Protocol: 0})

	m.send(wire.CodeMacro, []byte("Cj\x00"))
	if err := waitErr(t, errCh); !errors.Is(err, ErrInvalidData) {
		t.Fatalf("Handle() error = %v, want ErrInvalidData", err)
	}
}

func TestSessionQuitNewConnection(t *testing.T) {
	backend := &testMilter{}
	srv := NewServer(WithMilter(func() Milter { return backend }))
	m, errCh := startSession(t, srv)
	m.optNeg(OptNeg{Version: 6, Actions: AllClientSupportedActionMasks, Protocol: 0})

	m.send(wire.CodeConn, Connect{Hostname: "localhost", Family: FamilyUnknown}.payload())
	m.expect(wire.Code(wire.ActContinue))
	m.send(wire.CodeQuitNewConn, nil)
	// the session is back at the negotiated state and accepts a new connect
	m.send(wire.CodeConn, Connect{Hostname: "otherhost", Family: FamilyUnknown}.payload())
	m.expect(wire.Code(wire.ActContinue))
	m.send(wire.CodeQuit, nil)
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	newConns := 0
	for _, c := range backend.calls {
		if c == "new-connection" {
			newConns++
		}
	}
	if newConns != 2 {
		t.Errorf("NewConnection ran %d times, want 2", newConns)
	}
}

func TestSessionOversizeFrame(t *testing.T) {
	srv := NewServer(WithMilter(func() Milter { return &testMilter{} }), WithMaximumFrameSize(32))
	m, errCh := startSession(t, srv)

	// length field announces more than the configured maximum
	_, err := m.conn.Write([]byte{0x00, 0x01, 0x00, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if err := waitErr(t, errCh); !errors.Is(err, wire.ErrFrameTooBig) {
		t.Fatalf("Handle() error = %v, want ErrFrameTooBig", err)
	}
}
