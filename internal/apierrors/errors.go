// Package apierrors defines the typed error kinds the storage/rollup node
// returns across its admission, execution, and background-task paths.
package apierrors

import "fmt"

// Kind discriminates the error families described in the node's error
// handling design: admission-time, execution-time, durability, and
// background-task errors.
type Kind string

const (
	KindEncoding           Kind = "encoding_error"
	KindSignature          Kind = "signature_error"
	KindNonceMismatch      Kind = "nonce_mismatch"
	KindAlreadyExists      Kind = "already_exists"
	KindNotFound           Kind = "not_found"
	KindOwnershipDenied    Kind = "ownership_denied"
	KindConstraintViolated Kind = "constraint_violation"
	KindIO                 Kind = "io_error"
	KindStorage            Kind = "storage_error"
	KindBundlerUnavailable Kind = "bundler_unavailable"
	KindChainUnavailable   Kind = "chain_unavailable"
	KindAdminDenied        Kind = "admin_denied"
)

// NodeError is the typed sum every component returns instead of ad hoc
// errors. Code is stable and suitable for wire responses; Message is
// human-readable; Details carries optional structured context.
type NodeError struct {
	Kind    Kind
	Message string
	Details any
}

func (e *NodeError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// WithDetails returns a copy of the error with additional structured
// context attached.
func (e *NodeError) WithDetails(details any) *NodeError {
	return &NodeError{Kind: e.Kind, Message: e.Message, Details: details}
}

func new_(kind Kind, format string, args ...any) *NodeError {
	return &NodeError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Encoding reports a malformed mutation envelope (hard reject, admission time).
func Encoding(format string, args ...any) *NodeError { return new_(KindEncoding, format, args...) }

// Signature reports a signature that failed to verify or had a malformed
// envelope (admission time).
func Signature(format string, args ...any) *NodeError { return new_(KindSignature, format, args...) }

// NonceMismatch reports a nonce other than last_seen+1 (admission time).
func NonceMismatch(sender string, got, want uint64) *NodeError {
	return &NodeError{
		Kind:    KindNonceMismatch,
		Message: fmt.Sprintf("sender %s: got nonce %d, want %d", sender, got, want),
		Details: map[string]any{"sender": sender, "got": got, "want": want},
	}
}

// AlreadyExists reports a resource that must be created but is present
// (execution time, e.g. CreateDocDB onto an existing db_addr).
func AlreadyExists(format string, args ...any) *NodeError {
	return new_(KindAlreadyExists, format, args...)
}

// NotFound reports a referenced resource that does not exist (execution time).
func NotFound(format string, args ...any) *NodeError { return new_(KindNotFound, format, args...) }

// OwnershipDenied reports an update/delete/schema-change from a non-owner
// sender (execution time).
func OwnershipDenied(format string, args ...any) *NodeError {
	return new_(KindOwnershipDenied, format, args...)
}

// ConstraintViolated reports a schema/constraint violation such as a bad
// index path or duplicate index (execution time).
func ConstraintViolated(format string, args ...any) *NodeError {
	return new_(KindConstraintViolated, format, args...)
}

// IO reports a local durability failure from the log or state store.
func IO(format string, args ...any) *NodeError { return new_(KindIO, format, args...) }

// Storage reports a state-store specific durability failure.
func Storage(format string, args ...any) *NodeError { return new_(KindStorage, format, args...) }

// BundlerUnavailable reports a rollup-time failure uploading to the bundler.
func BundlerUnavailable(format string, args ...any) *NodeError {
	return new_(KindBundlerUnavailable, format, args...)
}

// ChainUnavailable reports a rollup-time failure anchoring on the
// settlement chain.
func ChainUnavailable(format string, args ...any) *NodeError {
	return new_(KindChainUnavailable, format, args...)
}

// AdminDenied reports a Setup call from a non-admin sender.
func AdminDenied(format string, args ...any) *NodeError {
	return new_(KindAdminDenied, format, args...)
}

// Is reports whether err is a *NodeError of the given kind.
func Is(err error, kind Kind) bool {
	ne, ok := err.(*NodeError)
	return ok && ne.Kind == kind
}

// KindOf extracts the Kind of a NodeError, or "" if err is not one.
func KindOf(err error) Kind {
	if ne, ok := err.(*NodeError); ok {
		return ne.Kind
	}
	return ""
}
