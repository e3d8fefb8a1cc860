package consensus

import "fmt"

// RejectCode enumerates why C3 refused to apply an otherwise well-formed
// operation. These are never fatal: the driver logs the reason and moves
// on to the next transaction in the block (spec §4.3, §7).
type RejectCode string

const (
	RejectStaleConsensus     RejectCode = "REJECT_STALE_CONSENSUS"
	RejectPreorderExists     RejectCode = "REJECT_PREORDER_EXISTS"
	RejectPreorderMissing    RejectCode = "REJECT_PREORDER_MISSING"
	RejectPreorderExpired    RejectCode = "REJECT_PREORDER_EXPIRED"
	RejectWrongSender        RejectCode = "REJECT_WRONG_SENDER"
	RejectNameExists         RejectCode = "REJECT_NAME_EXISTS"
	RejectNameMissing        RejectCode = "REJECT_NAME_MISSING"
	RejectNameRevoked        RejectCode = "REJECT_NAME_REVOKED"
	RejectNameExpired        RejectCode = "REJECT_NAME_EXPIRED"
	RejectNotOwner           RejectCode = "REJECT_NOT_OWNER"
	RejectNamespaceMissing   RejectCode = "REJECT_NAMESPACE_MISSING"
	RejectNamespaceState     RejectCode = "REJECT_NAMESPACE_STATE"
	RejectNamespaceNotReady  RejectCode = "REJECT_NAMESPACE_NOT_READY"
	RejectNamespaceNotCreator RejectCode = "REJECT_NAMESPACE_NOT_CREATOR"
	RejectNamespaceExists    RejectCode = "REJECT_NAMESPACE_EXISTS"
	RejectNamespaceExpired   RejectCode = "REJECT_NAMESPACE_EXPIRED"
	RejectAlreadyApplied     RejectCode = "REJECT_ALREADY_APPLIED"
	RejectMalformedPayload   RejectCode = "REJECT_MALFORMED_PAYLOAD"
	RejectUnknownOpcode      RejectCode = "REJECT_UNKNOWN_OPCODE"
)

// RejectError is the typed, non-fatal rejection value C3.Apply returns for
// any operation it declines to apply. It is never a signal to halt the
// driver (compare with a parse failure at the block level, which is fatal
// per spec §4.2/§7).
type RejectError struct {
	Code RejectCode
	Msg  string
}

func (e *RejectError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func reject(code RejectCode, msg string) *RejectError {
	return &RejectError{Code: code, Msg: msg}
}
