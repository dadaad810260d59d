// Package errors provides structured error handling for the credential service.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeOperatorNotProvisioned indicates the operator keypair is absent
	// from the keystore. Fatal at startup.
	CodeOperatorNotProvisioned Code = "OPERATOR_NOT_PROVISIONED"

	// CodeIdentityInvalid indicates a requested account or user name failed
	// validation. Rejected before any storage mutation.
	CodeIdentityInvalid Code = "IDENTITY_INVALID"

	// CodeIdentityExists indicates a concurrent creator already persisted
	// the named identity. Internal race signal, handled as a fetch.
	CodeIdentityExists Code = "IDENTITY_EXISTS"

	// CodeNotFound indicates a lookup miss. Drives create-on-demand.
	CodeNotFound Code = "NOT_FOUND"

	// CodeSigningFailed indicates claim signing failed because key material
	// is malformed or absent.
	CodeSigningFailed Code = "SIGNING_FAILED"

	// CodeBrokerUnreachable indicates the broker admin endpoint could not
	// be reached within the publish timeout.
	CodeBrokerUnreachable Code = "BROKER_UNREACHABLE"

	// CodeBrokerRejected indicates the broker refused a pushed account claim.
	CodeBrokerRejected Code = "BROKER_REJECTED"

	// CodeIssuanceFailed is the only error surfaced across the issuance
	// boundary; it wraps the underlying cause for diagnostics.
	CodeIssuanceFailed Code = "ISSUANCE_FAILED"
)

// HTTPStatus maps the error code to an HTTP status for the fronting layer.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeIdentityInvalid:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeIdentityExists:
		return http.StatusConflict
	case CodeBrokerUnreachable, CodeBrokerRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
