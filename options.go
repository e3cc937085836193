package miltr

import (
	"time"
)

// NewMilterFunc is the signature of a function that can be used with
// [WithDynamicMilter] to configure the [Milter] backend. The parameters are
// the negotiated values of the session.
type NewMilterFunc func(version uint32, action OptAction, protocol OptProtocol, maxData DataSize) Milter

// NegotiationCallbackFunc is the signature of a [WithNegotiationCallback]
// function. With this callback you can override the negotiation process.
type NegotiationCallbackFunc func(mta, filter OptNeg, offeredDataSize DataSize) (merged OptNeg, maxDataSize DataSize, err error)

// ErrorPolicy defines how the server driver reacts to handler errors.
type ErrorPolicy int

const (
	// ErrorPolicyTempFail answers the current command with a temporary
	// failure, logs the handler error and keeps the session alive.
	ErrorPolicyTempFail ErrorPolicy = iota
	// ErrorPolicyCloseSession treats a handler error as fatal for the session.
	ErrorPolicyCloseSession
)

type options struct {
	maxVersion                  uint32
	actions                     OptAction
	protocol                    OptProtocol
	readTimeout, writeTimeout   time.Duration
	offeredMaxData, usedMaxData DataSize
	maxFrameSize                uint32
	macrosByStage               macroRequests
	newMilter                   NewMilterFunc
	negotiationCallback         NegotiationCallbackFunc
	errorPolicy                 ErrorPolicy
	strictMacros                bool
}

// Option can be used to configure [Client] and [Server].
type Option func(*options)

// WithAction adds action to the actions your MTA supports or your [Milter]
// needs. You need to specify this since this library cannot guess what your
// MTA can handle or your milter needs.
func WithAction(action OptAction) Option {
	return func(h *options) {
		h.actions = h.actions | action
	}
}

// WithoutAction removes action from the list of actions this MTA
// supports/[Milter] needs.
func WithoutAction(action OptAction) Option {
	return func(h *options) {
		h.actions = h.actions & ^action
	}
}

// WithActions sets the actions your MTA supports or your [Milter] needs.
// 0 is a valid value when your MTA does not support any message modification
// (only rejection) or your milter does not need any.
func WithActions(actions OptAction) Option {
	return func(h *options) {
		h.actions = actions
	}
}

// WithProtocol adds protocol to the protocol features your MTA should be able
// to handle or your [Milter] needs.
func WithProtocol(protocol OptProtocol) Option {
	return func(h *options) {
		h.protocol = h.protocol | protocol
	}
}

// WithoutProtocol removes protocol from the list of protocol features this
// MTA supports/[Milter] requests.
func WithoutProtocol(protocol OptProtocol) Option {
	return func(h *options) {
		h.protocol = h.protocol & ^protocol
	}
}

// WithProtocols sets the protocol features your MTA should be able to handle
// or your [Milter] needs. MTAs can normally skip this option — the client then
// offers all protocol features this library supports. A [Milter] should set it
// to suppress events it does not need.
func WithProtocols(protocol OptProtocol) Option {
	return func(h *options) {
		h.protocol = protocol
	}
}

// WithMaximumVersion sets the maximum milter protocol version your MTA or
// milter accepts. The default is the maximum supported version.
func WithMaximumVersion(version uint32) Option {
	return func(h *options) {
		h.maxVersion = version
	}
}

// WithReadTimeout sets the read-timeout for all read operations of this
// [Client] or [Server]. It only takes effect when the session stream supports
// read deadlines (e.g. a net.Conn). 0 disables the timeout.
func WithReadTimeout(timeout time.Duration) Option {
	return func(h *options) {
		h.readTimeout = timeout
	}
}

// WithWriteTimeout sets the write-timeout for all write operations of this
// [Client] or [Server]. It only takes effect when the session stream supports
// write deadlines (e.g. a net.Conn). 0 disables the timeout.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(h *options) {
		h.writeTimeout = timeout
	}
}

// WithOfferedMaxData sets the [DataSize] that your MTA wants to offer to
// milters. The milter needs to accept this offer in protocol negotiation for
// it to become effective.
//
// This is a [Client] only [Option].
func WithOfferedMaxData(offeredMaxData DataSize) Option {
	return func(h *options) {
		h.offeredMaxData = offeredMaxData
	}
}

// WithUsedMaxData sets the [DataSize] that your MTA or milter uses to send
// packages to the other party. The [Client] default is [DataSize64K] for
// maximum compatibility; the [Server] default is 0. If you set this to 0 the
// [Client] will use the value of [WithOfferedMaxData] and the [Server] will
// use the negotiated dataSize.
func WithUsedMaxData(usedMaxData DataSize) Option {
	return func(h *options) {
		h.usedMaxData = usedMaxData
	}
}

// WithMaximumFrameSize caps the size of a single inbound frame. Bigger frames
// abort the session before any payload allocation. The default accepts frames
// of up to 64KB, the biggest frame an un-negotiated milter peer may send; a
// [Client] that offers a bigger [DataSize] with [WithOfferedMaxData] accepts
// frames of that size plus the command byte.
func WithMaximumFrameSize(size uint32) Option {
	return func(h *options) {
		h.maxFrameSize = size
	}
}

// WithoutDefaultMacros deletes all macro stage definitions that were made
// before this [Option]. Use it in [NewClient] to not use the default; since
// [NewServer] does not have a default it is a no-op there.
func WithoutDefaultMacros() Option {
	return func(h *options) {
		h.macrosByStage = nil
	}
}

// WithMacroRequest defines the macros that your [Client] intends to send at
// stage, or it instructs the [Server] to ask for these macros at this stage.
//
// MTAs like sendmail and Postfix honor macro requests and then only send the
// requested macros. A milter should gracefully handle MTAs that do not.
// For the server this option automatically sets the action [OptSetMacros].
func WithMacroRequest(stage MacroStage, macros []MacroName) Option {
	return func(h *options) {
		if h.macrosByStage == nil {
			h.macrosByStage = make([][]MacroName, StageEndMarker)
		}
		h.macrosByStage[stage] = macros
	}
}

// WithMilter sets the [Milter] backend this [Server] uses.
//
// This is a [Server] only [Option].
func WithMilter(newMilter func() Milter) Option {
	return func(h *options) {
		h.newMilter = func(uint32, OptAction, OptProtocol, DataSize) Milter {
			return newMilter()
		}
	}
}

// WithDynamicMilter sets the [Milter] backend this [Server] uses, handing the
// negotiated version, action and protocol values to the constructor.
//
// This is a [Server] only [Option].
func WithDynamicMilter(newMilter NewMilterFunc) Option {
	return func(h *options) {
		h.newMilter = newMilter
	}
}

// WithNegotiationCallback is an expert [Option] with which you can overwrite
// the negotiation process. You are responsible to adhere to the milter
// protocol negotiation rules.
//
// This is a [Server] only [Option].
func WithNegotiationCallback(negotiationCallback NegotiationCallbackFunc) Option {
	return func(h *options) {
		h.negotiationCallback = negotiationCallback
	}
}

// WithErrorPolicy sets how the [Server] reacts to handler errors.
// The default is [ErrorPolicyTempFail].
//
// This is a [Server] only [Option].
func WithErrorPolicy(policy ErrorPolicy) Option {
	return func(h *options) {
		h.errorPolicy = policy
	}
}

// WithStrictMacros makes malformed macro frames fatal for the session.
// By default they are logged and skipped since macros are advisory data.
//
// This is a [Server] only [Option].
func WithStrictMacros() Option {
	return func(h *options) {
		h.strictMacros = true
	}
}
