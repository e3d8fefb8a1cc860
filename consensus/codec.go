package consensus

import "encoding/binary"

// Opcode identifies the kind of name-operation embedded in a transaction
// output. Values are the ASCII bytes fixed by spec §6 — they are consensus
// constants and must never change per network once a chain has launched.
type Opcode byte

const (
	OpPreorder          Opcode = '?'
	OpRegister          Opcode = ':'
	OpUpdate            Opcode = '+'
	OpTransfer          Opcode = '>'
	OpRevoke            Opcode = '~'
	OpNamespacePreorder Opcode = '*'
	OpNamespaceReveal   Opcode = '&'
	OpNamespaceReady    Opcode = '!'
)

// MagicBytes is the fixed two-byte prefix of every embedded operation
// payload (spec §6: two-byte magic "id").
var MagicBytes = [2]byte{'i', 'd'}

// MaxPayloadBytes bounds every wire payload so it fits a single embedded
// output (spec §6).
const MaxPayloadBytes = 40

// Field width limits, pinned in SPEC_FULL.md §6. A preorder (name or
// namespace) reveals its fingerprint plus the height of the consensus hash
// it hashed against (CommittedHeight) rather than the hash itself — a
// register/reveal operation can then look the hash up deterministically
// (every replica has the same tape by construction) and recompute the same
// fingerprint in one step, with no ambiguous "which historical hash did
// this commit to" search. This is the Open Question spec.md §9 flags as
// unresolved ("production ... exact field layouts are not fully captured");
// SPEC_FULL.md §5/§6 records the decision.
const (
	maxRegisterNameBytes = 29
	maxUpdateNameBytes   = 26
	maxTransferNameBytes = 26
	maxRevokeNameBytes   = 36
	maxNSRevealBytes     = 19
	maxNSReadyBytes      = 36
	updateDataHashBytes  = 10
	saltBytes            = 3
	fingerprintBytes     = 32
)

// Operation is the parsed form of an on-chain name-operation payload. Each
// concrete type's Encode is the single source of truth for the wire form;
// the driver feeds each accepted operation's Encode output (not the raw
// input bytes) to the consensus-hash engine, C4, so two differently
// padded encodings of the same logical operation can never happen.
type Operation interface {
	Opcode() Opcode
	Encode() []byte
}

type PreorderOp struct {
	FingerprintHash [fingerprintBytes]byte
	CommittedHeight uint32
}

func (o *PreorderOp) Opcode() Opcode { return OpPreorder }
func (o *PreorderOp) Encode() []byte {
	b := header(OpPreorder, fingerprintBytes+4)
	off := 3
	copy(b[off:], o.FingerprintHash[:])
	off += fingerprintBytes
	binary.LittleEndian.PutUint32(b[off:], o.CommittedHeight)
	return b
}

type RegisterOp struct {
	Name            [maxRegisterNameBytes]byte
	NameLen         byte
	Salt            [saltBytes]byte
	CommittedHeight uint32
}

func (o *RegisterOp) Opcode() Opcode { return OpRegister }
func (o *RegisterOp) Encode() []byte {
	b := header(OpRegister, 1+int(o.NameLen)+saltBytes+4)
	off := 3
	b[off] = o.NameLen
	off++
	copy(b[off:], o.Name[:o.NameLen])
	off += int(o.NameLen)
	copy(b[off:], o.Salt[:])
	off += saltBytes
	binary.LittleEndian.PutUint32(b[off:], o.CommittedHeight)
	return b
}

func (o *RegisterOp) NameString() string { return string(o.Name[:o.NameLen]) }

type UpdateOp struct {
	Name     [maxUpdateNameBytes]byte
	NameLen  byte
	DataHash [updateDataHashBytes]byte
}

func (o *UpdateOp) Opcode() Opcode { return OpUpdate }
func (o *UpdateOp) Encode() []byte {
	b := header(OpUpdate, 1+int(o.NameLen)+updateDataHashBytes)
	off := 3
	b[off] = o.NameLen
	off++
	copy(b[off:], o.Name[:o.NameLen])
	off += int(o.NameLen)
	copy(b[off:], o.DataHash[:])
	return b
}

func (o *UpdateOp) NameString() string { return string(o.Name[:o.NameLen]) }

type TransferOp struct {
	Name     [maxTransferNameBytes]byte
	NameLen  byte
	KeepData bool
	// NewOwner is not part of the wire payload (it is the destination
	// output of the embedding transaction, per SPEC_FULL.md §6); the
	// extraction step (driver/extract.go) fills it in before C3 sees the
	// operation.
	NewOwner []byte
}

func (o *TransferOp) Opcode() Opcode { return OpTransfer }
func (o *TransferOp) Encode() []byte {
	b := header(OpTransfer, 1+int(o.NameLen)+1)
	off := 3
	b[off] = o.NameLen
	off++
	copy(b[off:], o.Name[:o.NameLen])
	off += int(o.NameLen)
	if o.KeepData {
		b[off] = 1
	}
	return b
}

func (o *TransferOp) NameString() string { return string(o.Name[:o.NameLen]) }

type RevokeOp struct {
	Name    [maxRevokeNameBytes]byte
	NameLen byte
}

func (o *RevokeOp) Opcode() Opcode { return OpRevoke }
func (o *RevokeOp) Encode() []byte {
	b := header(OpRevoke, 1+int(o.NameLen))
	off := 3
	b[off] = o.NameLen
	off++
	copy(b[off:], o.Name[:o.NameLen])
	return b
}

func (o *RevokeOp) NameString() string { return string(o.Name[:o.NameLen]) }

type NamespacePreorderOp struct {
	FingerprintHash [fingerprintBytes]byte
	CommittedHeight uint32
}

func (o *NamespacePreorderOp) Opcode() Opcode { return OpNamespacePreorder }
func (o *NamespacePreorderOp) Encode() []byte {
	b := header(OpNamespacePreorder, fingerprintBytes+4)
	off := 3
	copy(b[off:], o.FingerprintHash[:])
	off += fingerprintBytes
	binary.LittleEndian.PutUint32(b[off:], o.CommittedHeight)
	return b
}

type NamespaceRevealOp struct {
	Namespace       [maxNSRevealBytes]byte
	NamespaceLen    byte
	Salt            [saltBytes]byte
	CommittedHeight uint32
	Lifetime        uint16
	BaseCost        uint32
	DecayBP         uint16
}

func (o *NamespaceRevealOp) Opcode() Opcode { return OpNamespaceReveal }
func (o *NamespaceRevealOp) Encode() []byte {
	b := header(OpNamespaceReveal, 1+int(o.NamespaceLen)+saltBytes+4+2+4+2)
	off := 3
	b[off] = o.NamespaceLen
	off++
	copy(b[off:], o.Namespace[:o.NamespaceLen])
	off += int(o.NamespaceLen)
	copy(b[off:], o.Salt[:])
	off += saltBytes
	binary.LittleEndian.PutUint32(b[off:], o.CommittedHeight)
	off += 4
	binary.LittleEndian.PutUint16(b[off:], o.Lifetime)
	off += 2
	binary.LittleEndian.PutUint32(b[off:], o.BaseCost)
	off += 4
	binary.LittleEndian.PutUint16(b[off:], o.DecayBP)
	return b
}

func (o *NamespaceRevealOp) NamespaceString() string { return string(o.Namespace[:o.NamespaceLen]) }

type NamespaceReadyOp struct {
	Namespace    [maxNSReadyBytes]byte
	NamespaceLen byte
}

func (o *NamespaceReadyOp) Opcode() Opcode { return OpNamespaceReady }
func (o *NamespaceReadyOp) Encode() []byte {
	b := header(OpNamespaceReady, 1+int(o.NamespaceLen))
	off := 3
	b[off] = o.NamespaceLen
	off++
	copy(b[off:], o.Namespace[:o.NamespaceLen])
	return b
}

func (o *NamespaceReadyOp) NamespaceString() string { return string(o.Namespace[:o.NamespaceLen]) }

func header(op Opcode, fieldLen int) []byte {
	b := make([]byte, 3+fieldLen)
	b[0], b[1] = MagicBytes[0], MagicBytes[1]
	b[2] = byte(op)
	return b
}

// ParsePayload is pure and total: malformed bytes always return a nil
// Operation and a non-empty reject reason, never an error that would
// propagate as fatal (spec §4.2). Only a transaction/block that can't be
// parsed *at all* (driver/extract.go) is fatal — an unrecognized or
// malformed embedded payload is just not a candidate operation.
func ParsePayload(raw []byte) (Operation, RejectCode) {
	if len(raw) < 3 || len(raw) > MaxPayloadBytes {
		return nil, RejectMalformedPayload
	}
	if raw[0] != MagicBytes[0] || raw[1] != MagicBytes[1] {
		return nil, RejectMalformedPayload
	}
	body := raw[3:]
	switch Opcode(raw[2]) {
	case OpPreorder:
		if len(body) != fingerprintBytes+4 {
			return nil, RejectMalformedPayload
		}
		op := &PreorderOp{}
		copy(op.FingerprintHash[:], body[:fingerprintBytes])
		op.CommittedHeight = binary.LittleEndian.Uint32(body[fingerprintBytes:])
		return op, ""
	case OpRegister:
		if len(body) < 1 {
			return nil, RejectMalformedPayload
		}
		nameLen := body[0]
		if int(nameLen) > maxRegisterNameBytes || len(body) != 1+int(nameLen)+saltBytes+4 {
			return nil, RejectMalformedPayload
		}
		op := &RegisterOp{NameLen: nameLen}
		off := 1
		copy(op.Name[:], body[off:off+int(nameLen)])
		off += int(nameLen)
		copy(op.Salt[:], body[off:off+saltBytes])
		off += saltBytes
		op.CommittedHeight = binary.LittleEndian.Uint32(body[off:])
		return op, ""
	case OpUpdate:
		if len(body) < 1 {
			return nil, RejectMalformedPayload
		}
		nameLen := body[0]
		if int(nameLen) > maxUpdateNameBytes || len(body) != 1+int(nameLen)+updateDataHashBytes {
			return nil, RejectMalformedPayload
		}
		op := &UpdateOp{NameLen: nameLen}
		copy(op.Name[:], body[1:1+int(nameLen)])
		copy(op.DataHash[:], body[1+int(nameLen):])
		return op, ""
	case OpTransfer:
		if len(body) < 1 {
			return nil, RejectMalformedPayload
		}
		nameLen := body[0]
		if int(nameLen) > maxTransferNameBytes || len(body) != 1+int(nameLen)+1 {
			return nil, RejectMalformedPayload
		}
		op := &TransferOp{NameLen: nameLen}
		copy(op.Name[:], body[1:1+int(nameLen)])
		op.KeepData = body[1+int(nameLen)] != 0
		return op, ""
	case OpRevoke:
		if len(body) < 1 {
			return nil, RejectMalformedPayload
		}
		nameLen := body[0]
		if int(nameLen) > maxRevokeNameBytes || len(body) != 1+int(nameLen) {
			return nil, RejectMalformedPayload
		}
		op := &RevokeOp{NameLen: nameLen}
		copy(op.Name[:], body[1:1+int(nameLen)])
		return op, ""
	case OpNamespacePreorder:
		if len(body) != fingerprintBytes+4 {
			return nil, RejectMalformedPayload
		}
		op := &NamespacePreorderOp{}
		copy(op.FingerprintHash[:], body[:fingerprintBytes])
		op.CommittedHeight = binary.LittleEndian.Uint32(body[fingerprintBytes:])
		return op, ""
	case OpNamespaceReveal:
		if len(body) < 1 {
			return nil, RejectMalformedPayload
		}
		nsLen := body[0]
		if int(nsLen) > maxNSRevealBytes || len(body) != 1+int(nsLen)+saltBytes+4+2+4+2 {
			return nil, RejectMalformedPayload
		}
		op := &NamespaceRevealOp{NamespaceLen: nsLen}
		off := 1
		copy(op.Namespace[:], body[off:off+int(nsLen)])
		off += int(nsLen)
		copy(op.Salt[:], body[off:off+saltBytes])
		off += saltBytes
		op.CommittedHeight = binary.LittleEndian.Uint32(body[off:])
		off += 4
		op.Lifetime = binary.LittleEndian.Uint16(body[off:])
		off += 2
		op.BaseCost = binary.LittleEndian.Uint32(body[off:])
		off += 4
		op.DecayBP = binary.LittleEndian.Uint16(body[off:])
		return op, ""
	case OpNamespaceReady:
		if len(body) < 1 {
			return nil, RejectMalformedPayload
		}
		nsLen := body[0]
		if int(nsLen) > maxNSReadyBytes || len(body) != 1+int(nsLen) {
			return nil, RejectMalformedPayload
		}
		op := &NamespaceReadyOp{NamespaceLen: nsLen}
		copy(op.Namespace[:], body[1:1+int(nsLen)])
		return op, ""
	default:
		return nil, RejectUnknownOpcode
	}
}

// NewRegisterOp validates field widths the way ParsePayload would reject
// them; used by the constructor (C6) and by tests.
func NewRegisterOp(name string, salt [saltBytes]byte, committedHeight uint32) (*RegisterOp, bool) {
	if len(name) == 0 || len(name) > maxRegisterNameBytes {
		return nil, false
	}
	op := &RegisterOp{NameLen: byte(len(name)), Salt: salt, CommittedHeight: committedHeight}
	copy(op.Name[:], name)
	return op, true
}

// NewPreorderOp builds the on-chain preorder payload for name/salt committed
// against the consensus hash recorded at committedHeight.
func NewPreorderOp(p CryptoProvider, name string, salt [saltBytes]byte, consensusHash [32]byte, committedHeight uint32) *PreorderOp {
	return &PreorderOp{
		FingerprintHash: PreorderFingerprint(p, name, salt[:], consensusHash),
		CommittedHeight: committedHeight,
	}
}

// NewNamespacePreorderOp mirrors NewPreorderOp for namespace preorders —
// the fingerprint is over the namespace string rather than a name, but the
// commitment scheme (spec §4.5) is otherwise identical.
func NewNamespacePreorderOp(p CryptoProvider, namespace string, salt [saltBytes]byte, consensusHash [32]byte, committedHeight uint32) *NamespacePreorderOp {
	return &NamespacePreorderOp{
		FingerprintHash: PreorderFingerprint(p, namespace, salt[:], consensusHash),
		CommittedHeight: committedHeight,
	}
}

// NewUpdateOp validates field widths the way ParsePayload would reject them.
func NewUpdateOp(name string, dataHash [updateDataHashBytes]byte) (*UpdateOp, bool) {
	if len(name) == 0 || len(name) > maxUpdateNameBytes {
		return nil, false
	}
	op := &UpdateOp{NameLen: byte(len(name)), DataHash: dataHash}
	copy(op.Name[:], name)
	return op, true
}

// NewTransferOp validates field widths the way ParsePayload would reject
// them. NewOwner is filled in by the caller separately (it travels as a
// transaction output, not a payload field — see the comment on
// TransferOp's NewOwner field).
func NewTransferOp(name string, keepData bool) (*TransferOp, bool) {
	if len(name) == 0 || len(name) > maxTransferNameBytes {
		return nil, false
	}
	op := &TransferOp{NameLen: byte(len(name)), KeepData: keepData}
	copy(op.Name[:], name)
	return op, true
}

// NewRevokeOp validates field widths the way ParsePayload would reject them.
func NewRevokeOp(name string) (*RevokeOp, bool) {
	if len(name) == 0 || len(name) > maxRevokeNameBytes {
		return nil, false
	}
	op := &RevokeOp{NameLen: byte(len(name))}
	copy(op.Name[:], name)
	return op, true
}

// NewNamespaceRevealOp validates field widths the way ParsePayload would
// reject them.
func NewNamespaceRevealOp(namespace string, salt [saltBytes]byte, committedHeight uint32, lifetime uint16, baseCost uint32, decayBP uint16) (*NamespaceRevealOp, bool) {
	if len(namespace) == 0 || len(namespace) > maxNSRevealBytes {
		return nil, false
	}
	op := &NamespaceRevealOp{
		NamespaceLen:    byte(len(namespace)),
		Salt:            salt,
		CommittedHeight: committedHeight,
		Lifetime:        lifetime,
		BaseCost:        baseCost,
		DecayBP:         decayBP,
	}
	copy(op.Namespace[:], namespace)
	return op, true
}

// NewNamespaceReadyOp validates field widths the way ParsePayload would
// reject them.
func NewNamespaceReadyOp(namespace string) (*NamespaceReadyOp, bool) {
	if len(namespace) == 0 || len(namespace) > maxNSReadyBytes {
		return nil, false
	}
	op := &NamespaceReadyOp{NamespaceLen: byte(len(namespace))}
	copy(op.Namespace[:], namespace)
	return op, true
}
