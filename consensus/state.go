package consensus

import "bytes"

// Config holds the consensus-critical knobs from spec §6's configuration
// surface that C3/C4 need directly (the rest — node addresses, credentials,
// working_dir — belong to config.Config in the outer layer).
type Config struct {
	ConsensusWindowW uint64
	PreorderTTL      uint64
	NSPreorderTTL    uint64
}

// NameDB is C3: a pure value holding the committed name/preorder/namespace
// tables. Apply never mutates the receiver — it returns a new *NameDB,
// matching spec §4.3's "apply(op, state) → state'" contract so the driver
// can hold the old snapshot until the new one is durably persisted (§5).
type NameDB struct {
	Names      map[string]*NameRecord
	Preorders  map[[32]byte]*PreorderRecord
	Namespaces map[string]*NamespaceRecord
}

// NewNameDB returns an empty state, the state at genesis.
func NewNameDB() *NameDB {
	return &NameDB{
		Names:      map[string]*NameRecord{},
		Preorders:  map[[32]byte]*PreorderRecord{},
		Namespaces: map[string]*NamespaceRecord{},
	}
}

// Clone produces a deep copy so Apply can mutate the copy and return it
// without touching the receiver.
func (s *NameDB) Clone() *NameDB {
	if s == nil {
		return NewNameDB()
	}
	out := NewNameDB()
	for k, v := range s.Names {
		out.Names[k] = v.clone()
	}
	for k, v := range s.Preorders {
		out.Preorders[k] = v.clone()
	}
	for k, v := range s.Namespaces {
		out.Namespaces[k] = v.clone()
	}
	return out
}

// ApplyContext carries the per-transaction facts C3 needs to decide
// acceptance (spec §4.3): the current block height, the sender address
// recovered from the transaction, and the consensus tape/config the
// operation is checked against. A preorder (name or namespace) commits to a
// consensus hash by height rather than by value — see the comment above
// the field-width constants in codec.go — so Apply never needs a hash handed to it out of
// band; it always re-derives one from ctx.Tape and the operation's own
// CommittedHeight field.
type ApplyContext struct {
	Height uint64
	Sender []byte
	Tape   *Tape
	Crypto CryptoProvider
	Cfg    Config
	// AppliedInBlock is populated by the driver across a block's
	// transactions so duplicate preorder fingerprints and duplicate renews
	// within one block resolve to "first one wins" (spec §4.3, and the
	// renew-idempotency decision in SPEC_FULL.md §5).
	AppliedInBlock *BlockScratch
}

// BlockScratch tracks facts scoped to a single block's worth of Apply
// calls. The driver creates one per block and threads it through every
// Apply call in that block, in transaction order.
type BlockScratch struct {
	SeenPreorderFingerprints map[[32]byte]bool
	RenewedNames             map[string]bool
}

func NewBlockScratch() *BlockScratch {
	return &BlockScratch{
		SeenPreorderFingerprints: map[[32]byte]bool{},
		RenewedNames:             map[string]bool{},
	}
}

// PreorderFingerprint computes H(name || salt || consensus_hash) (spec §3).
func PreorderFingerprint(p CryptoProvider, name string, salt []byte, consensusHash [32]byte) [32]byte {
	buf := make([]byte, 0, len(name)+len(salt)+32)
	buf = append(buf, name...)
	buf = append(buf, salt...)
	buf = append(buf, consensusHash[:]...)
	return p.Hash256(buf)
}

// Apply validates op against s under ctx and, if accepted, returns the next
// state. On rejection it returns s unchanged (by value — the caller already
// holds s) and the reason. This is the sole entry point the driver (C5)
// calls once per extracted operation, in transaction order (spec §4.3/§4.5).
func (s *NameDB) Apply(op Operation, ctx ApplyContext) (*NameDB, *RejectError) {
	switch v := op.(type) {
	case *PreorderOp:
		return s.applyPreorder(v, ctx)
	case *RegisterOp:
		return s.applyRegister(v, ctx)
	case *UpdateOp:
		return s.applyUpdate(v, ctx)
	case *TransferOp:
		return s.applyTransfer(v, ctx)
	case *RevokeOp:
		return s.applyRevoke(v, ctx)
	case *NamespacePreorderOp:
		return s.applyNamespacePreorder(v, ctx)
	case *NamespaceRevealOp:
		return s.applyNamespaceReveal(v, ctx)
	case *NamespaceReadyOp:
		return s.applyNamespaceReady(v, ctx)
	default:
		return s, reject(RejectUnknownOpcode, "")
	}
}

// ApplyRenew is register's "equivalent" path (spec §4.3): it targets an
// existing name and only extends expiration. It does not look up or
// consume a preorder itself: the driver calls it only for a register that
// applyRegister rejected with RejectNameExists, which happens after that
// register's preorder checks pass, and the driver then removes that
// preorder from the returned state. SPEC_FULL.md §5 fixes renew as idempotent within a
// block: a second renew of the same name in one block is rejected.
func (s *NameDB) ApplyRenew(name string, ctx ApplyContext) (*NameDB, *RejectError) {
	if ctx.AppliedInBlock != nil && ctx.AppliedInBlock.RenewedNames[name] {
		return s, reject(RejectAlreadyApplied, "name already renewed in this block")
	}
	rec, ok := s.Names[name]
	if !ok {
		return s, reject(RejectNameMissing, "")
	}
	if rec.Revoked {
		return s, reject(RejectNameRevoked, "")
	}
	if !bytes.Equal(rec.Owner, ctx.Sender) {
		return s, reject(RejectNotOwner, "")
	}
	ns, ok := s.Namespaces[rec.Namespace]
	if !ok {
		return s, reject(RejectNamespaceMissing, "")
	}
	next := s.Clone()
	nr := next.Names[name].clone()
	nr.ExpiresAt = ctx.Height + ns.Lifetime
	next.Names[name] = nr
	if ctx.AppliedInBlock != nil {
		ctx.AppliedInBlock.RenewedNames[name] = true
	}
	return next, nil
}

// committedHash resolves the consensus hash a preorder-family operation
// claims to have committed to, and confirms it is no older than the
// consensus window (spec §4.4, P5). It is the only place a stale or
// forged CommittedHeight is caught: the tape only has an entry for a
// height it actually recorded, so a height outside the window or one this
// replica never reached simply fails the lookup.
func committedHash(ctx ApplyContext, committedHeight uint32) ([32]byte, bool) {
	h := uint64(committedHeight)
	if ctx.Tape == nil || h > ctx.Height || ctx.Height-h > ctx.Tape.Window() {
		return [32]byte{}, false
	}
	return ctx.Tape.At(h)
}

func (s *NameDB) applyPreorder(op *PreorderOp, ctx ApplyContext) (*NameDB, *RejectError) {
	ch, ok := committedHash(ctx, op.CommittedHeight)
	if !ok {
		return s, reject(RejectStaleConsensus, "")
	}
	if ctx.AppliedInBlock != nil && ctx.AppliedInBlock.SeenPreorderFingerprints[op.FingerprintHash] {
		return s, reject(RejectPreorderExists, "duplicate fingerprint within block")
	}
	if _, exists := s.Preorders[op.FingerprintHash]; exists {
		return s, reject(RejectPreorderExists, "")
	}
	next := s.Clone()
	next.Preorders[op.FingerprintHash] = &PreorderRecord{
		Sender:        append([]byte(nil), ctx.Sender...),
		BlockHeight:   ctx.Height,
		ConsensusHash: ch,
	}
	if ctx.AppliedInBlock != nil {
		ctx.AppliedInBlock.SeenPreorderFingerprints[op.FingerprintHash] = true
	}
	return next, nil
}

func (s *NameDB) applyRegister(op *RegisterOp, ctx ApplyContext) (*NameDB, *RejectError) {
	name := op.NameString()
	ch, ok := committedHash(ctx, op.CommittedHeight)
	if !ok {
		return s, reject(RejectStaleConsensus, "")
	}
	fp := PreorderFingerprint(ctx.Crypto, name, op.Salt[:], ch)
	pre, ok := s.Preorders[fp]
	if !ok {
		return s, reject(RejectPreorderMissing, "")
	}
	if !bytes.Equal(pre.Sender, ctx.Sender) {
		return s, reject(RejectWrongSender, "")
	}
	if ctx.Height < pre.BlockHeight || ctx.Height-pre.BlockHeight > ctx.Cfg.PreorderTTL {
		return s, reject(RejectPreorderExpired, "")
	}
	if existing, exists := s.Names[name]; exists && existing.isLive(ctx.Height) {
		return s, reject(RejectNameExists, "")
	}
	rec, hasRec := s.Names[name]
	var nsID string
	if hasRec {
		nsID = rec.Namespace
	} else {
		nsID = namespaceOfName(name)
	}
	ns, ok := s.Namespaces[nsID]
	if !ok {
		return s, reject(RejectNamespaceMissing, "")
	}
	switch ns.State {
	case NamespaceRevealed:
		if !bytes.Equal(ns.Creator, ctx.Sender) {
			return s, reject(RejectNamespaceNotCreator, "namespace still in revealed state")
		}
	case NamespaceReady:
		// any address may register, subject to pricing (handled by C6 at
		// construction time; C3 doesn't re-validate payment here because
		// the fee is enforced by the embedding transaction's outputs,
		// which is outside the operation-codec payload itself).
	default:
		return s, reject(RejectNamespaceState, "namespace not revealed or ready")
	}

	next := s.Clone()
	delete(next.Preorders, fp)
	next.Names[name] = &NameRecord{
		Owner:               append([]byte(nil), ctx.Sender...),
		DataHash:            nil,
		RegisteredAt:        ctx.Height,
		ExpiresAt:           ctx.Height + ns.Lifetime,
		Namespace:           nsID,
		Revoked:             false,
		PreorderFingerprint: fp,
	}
	return next, nil
}

func (s *NameDB) applyUpdate(op *UpdateOp, ctx ApplyContext) (*NameDB, *RejectError) {
	name := op.NameString()
	rec, ok := s.Names[name]
	if !ok {
		return s, reject(RejectNameMissing, "")
	}
	if rec.Revoked {
		return s, reject(RejectNameRevoked, "")
	}
	if ctx.Height > rec.ExpiresAt {
		return s, reject(RejectNameExpired, "")
	}
	if !bytes.Equal(rec.Owner, ctx.Sender) {
		return s, reject(RejectNotOwner, "")
	}
	next := s.Clone()
	nr := next.Names[name].clone()
	nr.DataHash = append([]byte(nil), op.DataHash[:]...)
	next.Names[name] = nr
	return next, nil
}

func (s *NameDB) applyTransfer(op *TransferOp, ctx ApplyContext) (*NameDB, *RejectError) {
	name := op.NameString()
	rec, ok := s.Names[name]
	if !ok {
		return s, reject(RejectNameMissing, "")
	}
	if rec.Revoked {
		return s, reject(RejectNameRevoked, "")
	}
	if ctx.Height > rec.ExpiresAt {
		return s, reject(RejectNameExpired, "")
	}
	if !bytes.Equal(rec.Owner, ctx.Sender) {
		return s, reject(RejectNotOwner, "")
	}
	if len(op.NewOwner) == 0 {
		return s, reject(RejectMalformedPayload, "transfer missing destination output")
	}
	next := s.Clone()
	nr := next.Names[name].clone()
	nr.Owner = append([]byte(nil), op.NewOwner...)
	if !op.KeepData {
		nr.DataHash = nil
	}
	next.Names[name] = nr
	return next, nil
}

func (s *NameDB) applyRevoke(op *RevokeOp, ctx ApplyContext) (*NameDB, *RejectError) {
	name := op.NameString()
	rec, ok := s.Names[name]
	if !ok {
		return s, reject(RejectNameMissing, "")
	}
	if !bytes.Equal(rec.Owner, ctx.Sender) {
		return s, reject(RejectNotOwner, "")
	}
	next := s.Clone()
	nr := next.Names[name].clone()
	nr.Revoked = true
	nr.DataHash = nil
	next.Names[name] = nr
	return next, nil
}

func (s *NameDB) applyNamespacePreorder(op *NamespacePreorderOp, ctx ApplyContext) (*NameDB, *RejectError) {
	// Namespace preorders share the same fingerprint table as name
	// preorders (both are keyed by a 32-byte hash with no overlap risk:
	// PreorderFingerprint's input always includes either a name or a
	// namespace id plus a salt, so a collision would require a hash
	// collision). Keeping one table keeps "preorder exists" a single
	// check for both operation families.
	ch, ok := committedHash(ctx, op.CommittedHeight)
	if !ok {
		return s, reject(RejectStaleConsensus, "")
	}
	if ctx.AppliedInBlock != nil && ctx.AppliedInBlock.SeenPreorderFingerprints[op.FingerprintHash] {
		return s, reject(RejectPreorderExists, "duplicate fingerprint within block")
	}
	if _, exists := s.Preorders[op.FingerprintHash]; exists {
		return s, reject(RejectPreorderExists, "")
	}
	next := s.Clone()
	next.Preorders[op.FingerprintHash] = &PreorderRecord{
		Sender:        append([]byte(nil), ctx.Sender...),
		BlockHeight:   ctx.Height,
		ConsensusHash: ch,
	}
	if ctx.AppliedInBlock != nil {
		ctx.AppliedInBlock.SeenPreorderFingerprints[op.FingerprintHash] = true
	}
	return next, nil
}

func (s *NameDB) applyNamespaceReveal(op *NamespaceRevealOp, ctx ApplyContext) (*NameDB, *RejectError) {
	ns := op.NamespaceString()
	ch, ok := committedHash(ctx, op.CommittedHeight)
	if !ok {
		return s, reject(RejectStaleConsensus, "")
	}
	fp := PreorderFingerprint(ctx.Crypto, ns, op.Salt[:], ch)
	pre, ok := s.Preorders[fp]
	if !ok {
		return s, reject(RejectPreorderMissing, "")
	}
	if !bytes.Equal(pre.Sender, ctx.Sender) {
		return s, reject(RejectWrongSender, "")
	}
	if ctx.Height < pre.BlockHeight || ctx.Height-pre.BlockHeight > ctx.Cfg.NSPreorderTTL {
		return s, reject(RejectPreorderExpired, "")
	}
	if _, exists := s.Namespaces[ns]; exists {
		return s, reject(RejectNamespaceExists, "")
	}
	next := s.Clone()
	delete(next.Preorders, fp)
	next.Namespaces[ns] = &NamespaceRecord{
		State:          NamespaceRevealed,
		Creator:        append([]byte(nil), ctx.Sender...),
		Lifetime:       uint64(op.Lifetime),
		BaseCost:       uint64(op.BaseCost),
		DecayBP:        op.DecayBP,
		PreorderHeight: pre.BlockHeight,
		RevealHeight:   ctx.Height,
		RevealDeadline: ctx.Height + ctx.Tape.Window(),
	}
	return next, nil
}

func (s *NameDB) applyNamespaceReady(op *NamespaceReadyOp, ctx ApplyContext) (*NameDB, *RejectError) {
	ns := op.NamespaceString()
	rec, ok := s.Namespaces[ns]
	if !ok {
		return s, reject(RejectNamespaceMissing, "")
	}
	if rec.State != NamespaceRevealed {
		return s, reject(RejectNamespaceState, "")
	}
	if !bytes.Equal(rec.Creator, ctx.Sender) {
		return s, reject(RejectNamespaceNotCreator, "")
	}
	if ctx.Height > rec.RevealDeadline {
		return s, reject(RejectNamespaceExpired, "")
	}
	next := s.Clone()
	nr := next.Namespaces[ns].clone()
	nr.State = NamespaceReady
	nr.ReadyHeight = ctx.Height
	next.Namespaces[ns] = nr
	return next, nil
}

// namespaceOfName extracts the namespace id from a fully-qualified name of
// the form "name.namespace" (Blockstack's convention, carried over from
// original_source/blockstore/blockstored.py's name parsing).
func namespaceOfName(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[i+1:]
		}
	}
	return ""
}
