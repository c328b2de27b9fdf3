// Package scerrors provides the typed error-kind families SoftwareContainer
// surfaces across package and RPC boundaries: a short, machine-readable
// Family/Kind pair plus a human-readable detail, wrapping an underlying
// cause so errors.Is/errors.As still compose with it like any other
// %w-wrapped error.
package scerrors

import (
	"errors"
	"fmt"
)

// Family groups related error Kinds.
type Family string

const (
	FamilyManifest           Family = "ManifestError"
	FamilyGatewayConfig      Family = "GatewayConfigError"
	FamilyGatewayActivation  Family = "GatewayActivationError"
	FamilyContainer          Family = "ContainerError"
	FamilyResource           Family = "ResourceError"
)

// Kind is a short, machine-readable error discriminator, unique within its
// Family.
type Kind string

const (
	// ManifestError kinds.
	KindPathInvalid         Kind = "PathInvalid"
	KindParseFailure        Kind = "ParseFailure"
	KindSchemaViolation     Kind = "SchemaViolation"
	KindDuplicateDestructive Kind = "DuplicateDestructive"

	// GatewayConfigError kinds.
	KindEmpty             Kind = "Empty"
	KindFieldMissing      Kind = "FieldMissing"
	KindFieldType         Kind = "FieldType"
	KindValueOutOfRange   Kind = "ValueOutOfRange"
	KindConflictWithExisting Kind = "ConflictWithExisting"

	// GatewayActivationError kinds.
	KindPrecondition         Kind = "Precondition"
	KindHostResourceUnavailable Kind = "HostResourceUnavailable"
	KindKernelCallFailed     Kind = "KernelCallFailed"

	// ContainerError kinds.
	KindDriverFailed   Kind = "DriverFailed"
	KindStateMismatch  Kind = "StateMismatch"
	KindTimeout        Kind = "Timeout"

	// ResourceError kinds.
	KindIPExhausted       Kind = "IPExhausted"
	KindMountFailed       Kind = "MountFailed"
	KindCleanupIncomplete Kind = "CleanupIncomplete"
)

// Error is the concrete error type returned across SoftwareContainer's
// package and RPC boundaries.
type Error struct {
	Family Family
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s.%s", e.Family, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Family, e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Family, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a *Error with no underlying cause.
func New(family Family, kind Kind, detail string) *Error {
	return &Error{Family: family, Kind: kind, Detail: detail}
}

// Wrap builds a *Error that wraps an underlying cause.
func Wrap(family Family, kind Kind, detail string, err error) *Error {
	return &Error{Family: family, Kind: kind, Detail: detail, Err: err}
}

// Manifest, GatewayConfig, GatewayActivation, Container, and Resource are
// family-scoped constructors so call sites rarely need to spell the Family
// out by hand.

func Manifest(kind Kind, detail string) *Error {
	return New(FamilyManifest, kind, detail)
}

func GatewayConfig(kind Kind, detail string) *Error {
	return New(FamilyGatewayConfig, kind, detail)
}

func GatewayActivation(kind Kind, detail string, err error) *Error {
	return Wrap(FamilyGatewayActivation, kind, detail, err)
}

func Container(kind Kind, detail string, err error) *Error {
	return Wrap(FamilyContainer, kind, detail, err)
}

func Resource(kind Kind, detail string, err error) *Error {
	return Wrap(FamilyResource, kind, detail, err)
}

// Is reports whether err is a *Error of the given Family and Kind.
func Is(err error, family Family, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Family == family && e.Kind == kind
}
