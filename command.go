package miltr

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/girstenbrei/miltr/internal/wire"
)

// The types in this file are the typed representations of the MTA→filter
// command payloads. Every variant has a parse function and a payload method;
// parsing a payload and writing it back reproduces the input bytes.

// Connect carries the SMTP client connection information.
type Connect struct {
	Hostname string
	Family   ProtoFamily
	// Port is only meaningful for FamilyInet and FamilyInet6 (0 on the wire
	// for FamilyUnix).
	Port uint16
	// Addr is the textual connection address: an IP address for the inet
	// families, a socket path for FamilyUnix, empty for FamilyUnknown.
	Addr string
}

func parseConnect(data []byte) (*Connect, error) {
	nul := bytes.IndexByte(data, 0)
	if nul < 0 {
		return nil, fmt.Errorf("%w: connect: unterminated hostname", ErrNotEnoughData)
	}
	c := &Connect{Hostname: string(data[:nul])}
	data = data[nul+1:]
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: connect: missing address family", ErrNotEnoughData)
	}
	c.Family = ProtoFamily(data[0])
	data = data[1:]
	switch c.Family {
	case FamilyUnknown:
		// no port, no address
	case FamilyUnix, FamilyInet, FamilyInet6:
		if len(data) < 2 {
			return nil, fmt.Errorf("%w: connect: missing port", ErrNotEnoughData)
		}
		c.Port = binary.BigEndian.Uint16(data)
		data = data[2:]
		nul = bytes.IndexByte(data, 0)
		if nul < 0 {
			return nil, fmt.Errorf("%w: connect: unterminated address", ErrNotEnoughData)
		}
		c.Addr = string(data[:nul])
	default:
		return nil, fmt.Errorf("%w: connect: unexpected protocol family %q", ErrInvalidData, byte(c.Family))
	}
	return c, nil
}

func (c Connect) payload() []byte {
	data := wire.AppendCString(nil, c.Hostname)
	data = append(data, byte(c.Family))
	if c.Family != FamilyUnknown {
		data = wire.AppendUint16(data, c.Port)
		data = wire.AppendCString(data, c.Addr)
	}
	return data
}

// Helo carries the HELO/EHLO hostname the SMTP client announced.
type Helo struct {
	Name string
}

func parseHelo(data []byte) (*Helo, error) {
	if len(data) == 0 || data[len(data)-1] != 0 {
		return nil, fmt.Errorf("%w: helo: unterminated name", ErrNotEnoughData)
	}
	return &Helo{Name: wire.ReadCString(data)}, nil
}

func (h Helo) payload() []byte {
	return wire.AppendCString(nil, h.Name)
}

// Mail carries the envelope sender plus any ESMTP arguments of the
// MAIL FROM command. Sender is transferred as-is (usually with <>).
type Mail struct {
	Sender string
	Args   []string
}

func parseMail(data []byte) (*Mail, error) {
	argv, err := parseArgv("mail", data)
	if err != nil {
		return nil, err
	}
	return &Mail{Sender: argv[0], Args: argv[1:]}, nil
}

func (m Mail) payload() []byte {
	return appendArgv(m.Sender, m.Args)
}

// Recipient carries one envelope recipient plus any ESMTP arguments of the
// RCPT TO command. Rcpt is transferred as-is (usually with <>).
type Recipient struct {
	Rcpt string
	Args []string
}

func parseRecipient(data []byte) (*Recipient, error) {
	argv, err := parseArgv("rcpt", data)
	if err != nil {
		return nil, err
	}
	return &Recipient{Rcpt: argv[0], Args: argv[1:]}, nil
}

func (r Recipient) payload() []byte {
	return appendArgv(r.Rcpt, r.Args)
}

func parseArgv(what string, data []byte) ([]string, error) {
	if len(data) == 0 || data[len(data)-1] != 0 {
		return nil, fmt.Errorf("%w: %s: unterminated argument list", ErrNotEnoughData, what)
	}
	return wire.DecodeCStrings(data), nil
}

func appendArgv(first string, args []string) []byte {
	data := wire.AppendCString(nil, first)
	for _, a := range args {
		data = wire.AppendCString(data, a)
	}
	return data
}

// Header carries one message header field.
type Header struct {
	Name  string
	Value string
}

func parseHeader(data []byte) (*Header, error) {
	if len(data) == 0 || data[len(data)-1] != 0 {
		return nil, fmt.Errorf("%w: header: unterminated field", ErrNotEnoughData)
	}
	fields := wire.DecodeCStrings(data)
	if len(fields) != 2 {
		return nil, fmt.Errorf("%w: header: got %d fields, want 2", ErrInvalidData, len(fields))
	}
	return &Header{Name: fields[0], Value: fields[1]}, nil
}

func (h Header) payload() []byte {
	data := wire.AppendCString(nil, h.Name)
	return wire.AppendCString(data, h.Value)
}

// Macro carries key-value metadata the MTA attaches to the command identified
// by Target.
type Macro struct {
	Target wire.Code
	// Names and Values are aligned: Values[i] belongs to Names[i].
	Names  []MacroName
	Values []string
}

func parseMacro(data []byte) (*Macro, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: macro: missing target command code", ErrNotEnoughData)
	}
	m := &Macro{Target: wire.Code(data[0])}
	data = data[1:]
	if len(data) == 0 {
		return m, nil
	}
	if data[len(data)-1] != 0 {
		return nil, fmt.Errorf("%w: macro: unterminated definition list", ErrNotEnoughData)
	}
	defs := wire.DecodeCStrings(data)
	if len(defs)%2 != 0 {
		return nil, fmt.Errorf("%w: macro: odd number of definition items: %d", ErrInvalidData, len(defs))
	}
	for i := 0; i < len(defs); i += 2 {
		m.Names = append(m.Names, defs[i])
		m.Values = append(m.Values, defs[i+1])
	}
	return m, nil
}

func (m Macro) payload() []byte {
	data := []byte{byte(m.Target)}
	for i := range m.Names {
		data = wire.AppendCString(data, m.Names[i])
		data = wire.AppendCString(data, m.Values[i])
	}
	return data
}

// Unknown carries the raw bytes of an SMTP command the MTA did not recognize.
type Unknown struct {
	Cmd string
}

func parseUnknown(data []byte) (*Unknown, error) {
	return &Unknown{Cmd: wire.ReadCString(data)}, nil
}

func (u Unknown) payload() []byte {
	return wire.AppendCString(nil, u.Cmd)
}
