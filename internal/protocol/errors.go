package protocol

import "fmt"

// Code identifies a member of the bridge's flat, wire-serializable error
// taxonomy. Codes are sent to clients verbatim; messages are sanitized.
type Code string

const (
	CodeUnauthorized             Code = "Unauthorized"
	CodeBlocked                  Code = "Blocked"
	CodeAuthDenied                Code = "AuthDenied"
	CodeNotRunning                Code = "NotRunning"
	CodeAlreadyRunning            Code = "AlreadyRunning"
	CodeTimeout                   Code = "Timeout"
	CodeGone                      Code = "Gone"
	CodeUnknownRequest            Code = "UnknownRequest"
	CodeExtensionNotFound         Code = "ExtensionNotFound"
	CodeInvalidRequest            Code = "InvalidRequest"
	CodeCryptoEncoding            Code = "Crypto.Encoding"
	CodeCryptoIvLength            Code = "Crypto.IvLength"
	CodeCryptoAuthenticate        Code = "Crypto.Authenticate"
	CodeCryptoKeyImport           Code = "Crypto.KeyImport"
	CodeProtocolParseError        Code = "Protocol.ParseError"
	CodeProtocolUnsupportedVersion Code = "Protocol.UnsupportedVersion"
	CodeProtocolUnsupported       Code = "Protocol.Unsupported"
	CodeTransformerAmbiguousQualifier Code = "Transformer.AmbiguousQualifier"
	CodeDatabase                   Code = "Database"
	CodeInternal                   Code = "Internal"
)

// BridgeError is the single error type that crosses every component
// boundary in this module. Only Code and Message are ever serialized to
// the wire; cause is retained for logs and %w-unwrapping.
type BridgeError struct {
	Code    Code
	Message string
	cause   error
}

func (e *BridgeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BridgeError) Unwrap() error { return e.cause }

// NewError builds a BridgeError with no internal cause.
func NewError(code Code, message string) *BridgeError {
	return &BridgeError{Code: code, Message: message}
}

// Wrap builds a BridgeError carrying an internal cause that is never
// serialized to the wire.
func Wrap(code Code, message string, cause error) *BridgeError {
	return &BridgeError{Code: code, Message: message, cause: cause}
}

// AsBridgeError extracts a *BridgeError from err, falling back to a
// generic Internal error so callers always have a Code to serialize.
func AsBridgeError(err error) *BridgeError {
	if err == nil {
		return nil
	}
	if b, ok := err.(*BridgeError); ok {
		return b
	}
	return Wrap(CodeInternal, "internal error", err)
}
