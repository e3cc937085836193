package miltr

import (
	"fmt"

	"github.com/girstenbrei/miltr/internal/wire"
)

// Modifier gives callback handlers access to the MTA provided [Macros] and the
// negotiated session values. Message modifications themselves are requested by
// returning a [ModificationResponse] from the EndOfMessage handler; the only
// wire interaction a Modifier offers is the Progress keep-alive.
type Modifier interface {
	Macros

	// Version returns the negotiated milter protocol version.
	Version() uint32
	// Protocol returns the negotiated milter protocol flags.
	Protocol() OptProtocol
	// Actions returns the negotiated milter action flags.
	Actions() OptAction
	// MaxDataSize returns the maximum data size negotiated with the MTA.
	MaxDataSize() DataSize
	// MilterId returns an identifier of this Milter instance. It is a unique,
	// incrementing identifier in the realm of a single Server.
	MilterId() uint64

	// Progress tells the MTA that the filter is still working so that the MTA
	// does not time out the milter connection. It can be called from any
	// handler that awaits a reply, multiple times if needed, before the
	// handler returns its final result.
	//
	// Progress is only available when the negotiated protocol version is >= 6.
	// Called from a handler that awaits no reply it returns an error wrapping
	// ErrProtocolViolation. When it returns any other error than these two the
	// connection to the MTA is broken.
	Progress() error
}

type modifierState int

const (
	modifierStateReadOnly modifierState = iota
	modifierStateProgressOnly
)

type modifier struct {
	macros       Macros
	state        modifierState
	writeMessage func(*wire.Message) error
	version      uint32
	protocol     OptProtocol
	actions      OptAction
	maxDataSize  DataSize
	milterId     uint64
}

func (m *modifier) Get(name MacroName) string {
	return m.macros.Get(name)
}

func (m *modifier) GetEx(name MacroName) (string, bool) {
	return m.macros.GetEx(name)
}

func (m *modifier) Version() uint32 {
	return m.version
}

func (m *modifier) Protocol() OptProtocol {
	return m.protocol
}

func (m *modifier) Actions() OptAction {
	return m.actions
}

func (m *modifier) MaxDataSize() DataSize {
	return m.maxDataSize
}

func (m *modifier) MilterId() uint64 {
	return m.milterId
}

func (m *modifier) Progress() error {
	if m.version < 6 {
		return ErrVersionTooLow
	}
	if m.state < modifierStateProgressOnly {
		return fmt.Errorf("%w: progress not possible in this handler", ErrProtocolViolation)
	}
	return m.writeMessage(respProgress.Response())
}

func (m *modifier) withState(state modifierState) *modifier {
	if m.state == state {
		return m
	}
	cpy := *m
	cpy.state = state
	return &cpy
}

var _ Modifier = (*modifier)(nil)

// newModifier creates a new [Modifier] instance from s.
func newModifier(s *serverSession, state modifierState) *modifier {
	return &modifier{
		macros:       &macroReader{macrosStages: s.macros},
		state:        state,
		writeMessage: s.writeMessage,
		version:      s.version,
		protocol:     s.protocol,
		actions:      s.actions,
		maxDataSize:  s.maxDataSize,
		milterId:     s.backendId,
	}
}
