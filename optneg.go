package miltr

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/girstenbrei/miltr/internal/wire"
)

// OptNeg is one peer's capability offer in option negotiation, and — after
// merging both offers — the immutable capability envelope of a session.
//
// Actions gates which modifications the filter may request, Protocol gates
// which commands the MTA sends and which per-command replies are skipped.
// MacroStages holds the filter's per-stage macro subscriptions (indexed by
// [MacroStage]); only the filter side populates it, the MTA obeys.
type OptNeg struct {
	Version     uint32
	Actions     OptAction
	Protocol    OptProtocol
	MacroStages [][]MacroName
}

// Merge combines two capability offers into the session-wide envelope:
// the protocol version is the minimum of both peer versions and the action and
// protocol masks are intersected. Merge is commutative and idempotent on the
// Version, Actions and Protocol fields. The macro subscriptions are taken from
// the side that declares any (the filter side).
func (o OptNeg) Merge(other OptNeg) OptNeg {
	merged := OptNeg{
		Version:  o.Version,
		Actions:  o.Actions & other.Actions,
		Protocol: o.Protocol & other.Protocol,
	}
	if other.Version < merged.Version {
		merged.Version = other.Version
	}
	if o.MacroStages != nil {
		merged.MacroStages = o.MacroStages
	} else {
		merged.MacroStages = other.MacroStages
	}
	return merged
}

// Validate checks that a merged envelope is usable: the version must be
// supported and every action bit in required must have survived the merge.
// required is typically the filter's own action mask — a filter that asks for
// e.g. OptAddHeader cannot operate against an MTA that does not offer it.
func (o OptNeg) Validate(required OptAction) error {
	if o.Version < MinProtocolVersion || o.Version > MaxProtocolVersion {
		return fmt.Errorf("%w: unsupported protocol version %d", ErrNegotiationFailed, o.Version)
	}
	if o.Actions&required != required {
		return fmt.Errorf("%w: required actions %q not offered (got %q)", ErrNegotiationFailed, required, o.Actions)
	}
	return nil
}

// parseOptNeg decodes an OptNeg payload. It also extracts the maximum data
// size the peer offered via the SMFIP_MDS_* protocol bits (those bits do not
// survive into the returned Protocol mask).
func parseOptNeg(data []byte) (o OptNeg, offered DataSize, err error) {
	if len(data) < 4*3 {
		return o, 0, fmt.Errorf("%w: optneg payload has %d bytes, need 12", ErrNotEnoughData, len(data))
	}
	o.Version = binary.BigEndian.Uint32(data[0:])
	o.Actions = OptAction(binary.BigEndian.Uint32(data[4:]))
	protocol := binary.BigEndian.Uint32(data[8:])

	offered = DataSize64K
	if protocol&optMds1M == optMds1M {
		offered = DataSize1M
	} else if protocol&optMds256K == optMds256K {
		offered = DataSize256K
	}
	o.Protocol = OptProtocol(protocol & ^optInternal)

	if len(data) > 4*3 {
		o.MacroStages = parseMacroStages(data[4*3:])
	}
	return o, offered, nil
}

// parseMacroStages decodes the list of (u32be stage, NUL-terminated name list)
// entries that a filter appends to its OptNeg response. Malformed trailing
// entries are logged and skipped — macro subscriptions are advisory.
func parseMacroStages(data []byte) [][]MacroName {
	stages := make([][]MacroName, StageEndMarker)
	for len(data) > 4 {
		stage := binary.BigEndian.Uint32(data)
		data = data[4:]
		names := wire.ReadCString(data)
		if len(names) >= len(data) {
			LogWarning("macros for stage %d are not null-terminated, skipping rest of list: %s", stage, names)
			break
		}
		data = data[len(names)+1:]
		if stage >= uint32(StageEndMarker) {
			LogWarning("got macro request for unknown stage %d, ignoring this entry", stage)
			continue
		}
		if stages[stage] != nil {
			LogWarning("macros for stage %d were sent multiple times: %q is overwriting %q", stage, names, strings.Join(stages[stage], " "))
		}
		stages[stage] = removeDuplicates(parseRequestedMacros(names))
	}
	return stages
}

// payload encodes o for the wire. offered adds the SMFIP_MDS_* bit matching
// the data size offer (pass 0 to not offer a bigger size). The macro stage
// list is appended when MacroStages has any subscriptions.
func (o OptNeg) payload(offered DataSize) []byte {
	sizeMask := uint32(0)
	switch offered {
	case DataSize256K:
		sizeMask = optMds256K
	case DataSize1M:
		sizeMask = optMds1M
	}
	data := make([]byte, 0, 4*3)
	data = wire.AppendUint32(data, o.Version)
	data = wire.AppendUint32(data, uint32(o.Actions))
	data = wire.AppendUint32(data, uint32(o.Protocol)|sizeMask)
	for stage := 0; stage < int(StageEndMarker) && stage < len(o.MacroStages); stage++ {
		if len(o.MacroStages[stage]) == 0 {
			continue
		}
		data = wire.AppendUint32(data, uint32(stage))
		data = wire.AppendCString(data, strings.Join(o.MacroStages[stage], " "))
	}
	return data
}

func (o OptNeg) message(offered DataSize) *wire.Message {
	return &wire.Message{Code: wire.CodeOptNeg, Data: o.payload(offered)}
}
