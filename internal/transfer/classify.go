package transfer

import (
	"context"
	"errors"
	"strings"

	xerrors "PairAgent-Chain/internal/errors"
	"PairAgent-Chain/internal/web3"
)

type errorClass int

const (
	classTransient errorClass = iota
	classTimeout
	classDuplicateNonce
	classCanceled
)

var (
	duplicateNonceMarkers = []string{"nonce too low", "nonce has already been used"}
	// Recognized transient rejections. Anything unrecognized is transient too;
	// the list only names the reasons the ledger is known to return.
	transientMarkers = []string{"already known", "replacement transaction underpriced"}
)

func classify(ctx context.Context, err error) errorClass {
	if ctx.Err() != nil {
		return classCanceled
	}
	if errors.Is(err, web3.ErrReceiptTimeout) || xerrors.CodeOf(err) == xerrors.CodeTimeout {
		return classTimeout
	}
	reason := strings.ToLower(err.Error())
	for _, marker := range duplicateNonceMarkers {
		if strings.Contains(reason, marker) {
			return classDuplicateNonce
		}
	}
	return classTransient
}

// attemptError tags a failed attempt with its code: TIMEOUT for an
// unconfirmed transaction, TRANSIENT_SUBMISSION for other retryable errors.
// Duplicate-nonce and cancellation errors are returned unchanged; the caller
// turns them into a terminal outcome.
func attemptError(class errorClass, err error, message string, opts ...xerrors.Option) error {
	switch class {
	case classTimeout:
		return xerrors.Wrap(xerrors.CodeTimeout, err, "等待回执超时", opts...)
	case classTransient:
		return xerrors.Wrap(CodeTransientSubmission, err, message, opts...)
	default:
		return err
	}
}

// isKnownTransient reports whether err carries one of the recognized
// transient rejection reasons.
func isKnownTransient(err error) bool {
	if err == nil {
		return false
	}
	reason := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(reason, marker) {
			return true
		}
	}
	return false
}
