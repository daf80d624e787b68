// Package domainerr defines the error kinds shared by every engine package,
// grounded on the sentinel-error style used throughout the card/service
// layer this module descends from (plain package-level errors.New vars,
// matched with errors.Is/errors.As, never a bespoke error-code enum).
package domainerr

import (
	"errors"
	"fmt"
)

// Sentinel kinds matched with errors.Is by engine and processor code.
var (
	// ErrConcurrency is an optimistic-lock mismatch: the caller's expected
	// version did not match the stored version. Retryable after re-read,
	// bounded (see internal/concurrency.Retry).
	ErrConcurrency = errors.New("concurrency: version mismatch")

	// ErrDuplicateProof is raised by the Ledger when an insert violates the
	// uniqueness constraint on publicKeyY. Recoverable via NUT-9 restore.
	ErrDuplicateProof = errors.New("ledger: duplicate proof (publicKeyY already exists)")

	// ErrTokenAlreadyClaimed is raised when a CashuTokenSwap insert violates
	// the uniqueness constraint on tokenHash. Surfaced to the caller
	// verbatim, never retried automatically.
	ErrTokenAlreadyClaimed = errors.New("tokenswap: token already claimed")

	// ErrPaymentHashExists is raised when a send quote insert violates the
	// uniqueness constraint on paymentHash.
	ErrPaymentHashExists = errors.New("sendquote: payment hash already recorded")

	// ErrNetworkTimeout wraps a context deadline or dial failure on an
	// external RPC (mint, Spark).
	ErrNetworkTimeout = errors.New("network: timeout calling external service")

	// ErrCorruption is a fatal schema-validation failure on a decrypted
	// blob. Never healed; the caller must abort the operation.
	ErrCorruption = errors.New("codec: schema validation failed on decrypted blob")

	// ErrInsufficientBalance is a plain domain error surfaced to the user
	// unchanged.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrRecordNotFound covers any quote/swap/account/proof lookup miss.
	ErrRecordNotFound = errors.New("record not found")

	// ErrInvalidState is returned when an operation is attempted from a
	// state that does not permit it (e.g. completing a FAILED quote).
	ErrInvalidState = errors.New("invalid state for requested transition")

	// ErrAmbiguousOutcome marks a send that reached external PENDING and
	// whose outcome the server can no longer report. Per §9, this is
	// deliberately not auto-resolved; it requires an explicit operator or
	// reconciliation step before the reserved inputs may move again.
	ErrAmbiguousOutcome = errors.New("sendquote: ambiguous outcome, requires manual reconciliation")
)

// MintErrCode mirrors the subset of Cashu NUT error codes this engine reacts
// to. Values line up with github.com/elnosh/gonuts/cashu.CashuErrCode but
// are redeclared locally so this package does not import the mint wire
// client for a handful of integer constants.
type MintErrCode int

const (
	MintErrUnknown             MintErrCode = 0
	MintErrOutputAlreadySigned MintErrCode = 10002
	MintErrProofAlreadyUsed    MintErrCode = 11001
	MintErrQuoteAlreadyIssued  MintErrCode = 20002
	MintErrQuoteRequestUnpaid  MintErrCode = 20001
	MintErrMeltQuotePending    MintErrCode = 20005
	MintErrMeltQuoteAlreadyPaid MintErrCode = 20006
)

// TokenAlreadySpent is not a distinct upstream NUT code in every mint
// implementation; pre-0.16.5 Nutshell reports it as ProofAlreadyUsed with a
// different message, which is why MintOperationError also carries the raw
// message for the fuzzy-match fallback described in §7.
const MintErrTokenAlreadySpent = MintErrProofAlreadyUsed

// MintOperationError wraps a mint RPC failure with its numeric NUT error
// code (when the mint conforms) and raw message (for fuzzy fallback
// matching against non-conformant / pre-0.16.5 Nutshell mints).
type MintOperationError struct {
	Code    MintErrCode
	Message string
}

func (e *MintOperationError) Error() string {
	return fmt.Sprintf("mint operation error (code=%d): %s", e.Code, e.Message)
}

// IsRestorable reports whether this error should drive the deterministic
// NUT-9 restore fallback rather than simply failing the operation.
func (e *MintOperationError) IsRestorable() bool {
	switch e.Code {
	case MintErrOutputAlreadySigned, MintErrQuoteAlreadyIssued, MintErrProofAlreadyUsed:
		return true
	}
	return fuzzyMatchesRestorable(e.Message)
}

// fuzzyMatchesRestorable keeps compatibility with mints (pre-0.16.5
// Nutshell) that report these conditions as a plain-text melt/mint error
// instead of the structured NUT error code.
func fuzzyMatchesRestorable(msg string) bool {
	for _, needle := range []string{
		"outputs have already been signed",
		"already signed",
		"quote already issued",
		"token already spent",
		"already spent",
	} {
		if containsFold(msg, needle) {
			return true
		}
	}
	return false
}

func containsFold(haystack, needle string) bool {
	hl, nl := len(haystack), len(needle)
	if nl == 0 || nl > hl {
		return nl == 0
	}
	toLower := func(b byte) byte {
		if b >= 'A' && b <= 'Z' {
			return b + ('a' - 'A')
		}
		return b
	}
	for i := 0; i+nl <= hl; i++ {
		match := true
		for j := 0; j < nl; j++ {
			if toLower(haystack[i+j]) != toLower(needle[j]) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// ConcurrencyError carries the expected/actual version pair for logging and
// retry-bound diagnostics.
type ConcurrencyError struct {
	RecordID        string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency: record %s expected version %d, actual %d", e.RecordID, e.ExpectedVersion, e.ActualVersion)
}

func (e *ConcurrencyError) Unwrap() error { return ErrConcurrency }

// NewConcurrencyError builds a ConcurrencyError that also matches
// errors.Is(err, ErrConcurrency).
func NewConcurrencyError(recordID string, expected, actual int64) error {
	return &ConcurrencyError{RecordID: recordID, ExpectedVersion: expected, ActualVersion: actual}
}
