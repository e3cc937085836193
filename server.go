package miltr

import (
	"io"
	"sync/atomic"
	"time"
)

// Milter is the callback interface filters implement. Embed [NoOpMilter] to
// only implement the methods you need.
//
// One Milter instance handles one MTA connection. An MTA can send multiple
// messages over one connection: after the EndOfMessage handler ran, the next
// MailFrom call starts the next message. It can even re-use the connection for
// a whole new SMTP connection, in which case NewConnection gets called again.
//
// The server never calls two methods of one Milter concurrently.
type Milter interface {
	// NewConnection gets called when a new SMTP connection was opened: once
	// after option negotiation and again whenever the MTA re-uses the milter
	// connection for another SMTP connection. If it returns an error the
	// milter connection breaks.
	NewConnection(m Modifier) error

	// Connect is called with the SMTP client connection data. family is one
	// of "unknown", "unix", "tcp4" and "tcp6"; addr is only meaningful for the
	// latter three and port only for "tcp4" and "tcp6". Suppress with
	// [OptNoConnect].
	Connect(host string, family string, port uint16, addr string, m Modifier) (*Response, error)

	// Helo is called with the HELO/EHLO name the SMTP client provided.
	// You can get multiple Helo calls in one connection; that normally means
	// the SMTP client issued STARTTLS. Suppress with [OptNoHelo].
	Helo(name string, m Modifier) (*Response, error)

	// MailFrom is called with the envelope sender (without <>) and the ESMTP
	// arguments of the MAIL FROM command. Suppress with [OptNoMailFrom].
	MailFrom(from string, esmtpArgs string, m Modifier) (*Response, error)

	// RcptTo is called once per envelope recipient (without <>). The returned
	// Response only affects this recipient — except RespDiscard, which
	// discards the whole message. RespSkip asks the MTA to stop sending more
	// RCPT events (protocol version 6). Suppress with [OptNoRcptTo].
	RcptTo(rcptTo string, esmtpArgs string, m Modifier) (*Response, error)

	// Data is called at the beginning of the DATA command, after all RCPT TO
	// commands. Suppress with [OptNoData].
	Data(m Modifier) (*Response, error)

	// Header is called once per message header field. RespSkip asks the MTA
	// to stop sending more header events (protocol version 6). Suppress with
	// [OptNoHeaders].
	Header(name string, value string, m Modifier) (*Response, error)

	// Headers gets called when all message headers have been processed.
	// Suppress with [OptNoEOH].
	Headers(m Modifier) (*Response, error)

	// BodyChunk is called per message body chunk. RespSkip asks the MTA to
	// stop sending more body events (protocol version 6). Suppress with
	// [OptNoBody].
	BodyChunk(chunk []byte, m Modifier) (*Response, error)

	// EndOfMessage is called at the end of each message. All modifications of
	// the message must be requested here, by building a
	// [ModificationResponse]. Modifications whose action bit was not
	// negotiated with the MTA are dropped with a diagnostic instead of sent.
	// A nil response is treated like an accepting response without
	// modifications.
	EndOfMessage(m Modifier) (*ModificationResponse, error)

	// Unknown is called when the MTA got an SMTP command it does not
	// recognize. Suppress with [OptNoUnknown].
	Unknown(cmd string, m Modifier) (*Response, error)

	// Macro is a one-way notification of macro data the MTA attached to the
	// upcoming command. The values are also available through the [Modifier]
	// of the following handler calls, so most filters ignore this event.
	Macro(stage MacroStage, macros map[MacroName]string)

	// Abort is called when the current message was aborted. Message data
	// should be reset to the state prior to MailFrom; connection data should
	// be preserved. Very likely the next call is MailFrom again.
	Abort(m Modifier) error

	// Quit is called when the MTA ends the milter conversation. No reply is
	// sent; the connection closes afterwards.
	Quit(m Modifier)

	// Cleanup always gets called when this Milter is about to be discarded,
	// i.e. when the network connection to the MTA closes.
	Cleanup(m Modifier)
}

// NoOpMilter is a [Milter] implementation that accepts everything and changes
// nothing. Embed it in your own milter to only implement some methods.
type NoOpMilter struct{}

var _ Milter = (*NoOpMilter)(nil)

func (NoOpMilter) NewConnection(m Modifier) error {
	return nil
}

func (NoOpMilter) Connect(host string, family string, port uint16, addr string, m Modifier) (*Response, error) {
	return RespContinue, nil
}

func (NoOpMilter) Helo(name string, m Modifier) (*Response, error) {
	return RespContinue, nil
}

func (NoOpMilter) MailFrom(from string, esmtpArgs string, m Modifier) (*Response, error) {
	return RespContinue, nil
}

func (NoOpMilter) RcptTo(rcptTo string, esmtpArgs string, m Modifier) (*Response, error) {
	if m.Protocol()&OptSkip != 0 {
		return RespSkip, nil
	}
	return RespContinue, nil
}

func (NoOpMilter) Data(m Modifier) (*Response, error) {
	return RespContinue, nil
}

func (NoOpMilter) Header(name string, value string, m Modifier) (*Response, error) {
	if m.Protocol()&OptSkip != 0 {
		return RespSkip, nil
	}
	return RespContinue, nil
}

func (NoOpMilter) Headers(m Modifier) (*Response, error) {
	return RespContinue, nil
}

func (NoOpMilter) BodyChunk(chunk []byte, m Modifier) (*Response, error) {
	if m.Protocol()&OptSkip != 0 {
		return RespSkip, nil
	}
	return RespContinue, nil
}

func (NoOpMilter) EndOfMessage(m Modifier) (*ModificationResponse, error) {
	return NewModificationResponse().Accept(), nil
}

func (NoOpMilter) Unknown(cmd string, m Modifier) (*Response, error) {
	return RespContinue, nil
}

func (NoOpMilter) Macro(stage MacroStage, macros map[MacroName]string) {
}

func (NoOpMilter) Abort(_ Modifier) error {
	return nil
}

func (NoOpMilter) Quit(m Modifier) {
}

func (NoOpMilter) Cleanup(m Modifier) {
}

// Server drives the filter side of milter sessions. It holds the capability
// offer and the [Milter] constructor; the network listening and accepting is
// up to the caller — hand each accepted bidirectional stream to [Server.Handle].
type Server struct {
	options     options
	milterCount atomic.Uint64
}

// NewServer creates a new milter server.
//
// You need to at least specify the used [Milter] with the option [WithMilter]
// or [WithDynamicMilter]. You should also specify the actions your [Milter]
// needs — without them it cannot request any message modification. For
// performance reasons disable protocol stages you do not need with
// [WithProtocol].
//
// This function panics when you provide invalid options.
func NewServer(opts ...Option) *Server {
	options := options{
		maxVersion:   MaxProtocolVersion,
		writeTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		if o != nil {
			o(&options)
		}
	}

	if options.newMilter == nil {
		panic("milter: you need to use WithMilter in NewServer call")
	}
	if options.maxVersion > MaxProtocolVersion || options.maxVersion < MinProtocolVersion {
		panic("milter: this library cannot handle this milter version")
	}
	if options.offeredMaxData > 0 {
		panic("milter: WithOfferedMaxData is a client only option")
	}
	if options.maxFrameSize == 0 {
		options.maxFrameSize = uint32(DataSize64K) + 1
	}
	if options.macrosByStage != nil {
		options.actions = options.actions | OptSetMacros
	}

	return &Server{options: options}
}

// Handle serves one milter session over an already-accepted bidirectional
// stream. It negotiates options, dispatches every inbound command to the
// configured [Milter] and writes the replies back, until the MTA quits, the
// stream ends or a fatal protocol error occurs. conn is closed before Handle
// returns.
//
// Handle can be called concurrently from multiple goroutines, one per
// accepted connection; sessions share nothing but the Server configuration.
func (s *Server) Handle(conn io.ReadWriteCloser) error {
	session := serverSession{}
	session.init(s, conn)
	return session.handleCommands()
}

// MilterCount returns the number of milter backends this server created in
// total. A Milter instance gets created for each successfully negotiated
// session. Use this function for logging purposes.
func (s *Server) MilterCount() uint64 {
	return s.milterCount.Load()
}

func (s *Server) newMilter(version uint32, action OptAction, protocol OptProtocol, maxData DataSize) (Milter, uint64) {
	return s.options.newMilter(version, action, protocol, maxData), s.milterCount.Add(1)
}
