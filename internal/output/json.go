// Package output renders the daemon's machine-readable envelope: every
// operator-facing surface — the CLI commands and the non-hook HTTP
// endpoints — answers with the same versioned JSON shape, so a shim or
// dashboard can parse one contract everywhere. The hook endpoints under
// /api/oak/ci/* deliberately do NOT use this envelope; their flat
// {status:"ok", ...} contract lives in internal/ingest.
package output

import (
	"encoding/json"
	"errors"
	"io"
	"os"
)

// schemaVersion tags every envelope so consumers can detect a future
// breaking change to the shape without sniffing fields.
const schemaVersion = "v1"

// recoverableError is the structural twin of models.RecoverableError,
// declared locally so this package stays import-free of models (which
// would otherwise create a models -> output -> models cycle through the
// store's typed errors). Any error value implementing these methods gets
// its code, context, and remediation hint lifted into the envelope.
type recoverableError interface {
	error
	ErrorCode() string
	Context() map[string]string
	SuggestedAction() string
}

// Response is the envelope. On success only Data is set; on failure the
// Error* fields carry whatever structure the underlying error exposes.
// The codes that appear in ErrorCode are the error kinds defined in
// internal/models (storage, vector-store, dimension-mismatch, ...).
type Response struct {
	SchemaVersion   string            `json:"schema_version"`
	Success         bool              `json:"success"`
	Data            interface{}       `json:"data,omitempty"`
	Error           string            `json:"error,omitempty"`
	ErrorCode       string            `json:"error_code,omitempty"`
	ErrorContext    map[string]string `json:"error_context,omitempty"`
	SuggestedAction string            `json:"suggested_action,omitempty"`
}

// Success wraps data in a successful envelope.
func Success(data interface{}) Response {
	return Response{SchemaVersion: schemaVersion, Success: true, Data: data}
}

// Error wraps err in a failure envelope. When err (or anything in its
// Unwrap chain) is a recoverable error, the structured detail rides along
// so callers can branch on error_code/suggested_action instead of parsing
// the message string.
func Error(err error) Response {
	resp := Response{
		SchemaVersion: schemaVersion,
		Success:       false,
		Error:         err.Error(),
	}
	var re recoverableError
	if errors.As(err, &re) {
		resp.ErrorCode = re.ErrorCode()
		resp.ErrorContext = re.Context()
		resp.SuggestedAction = re.SuggestedAction()
	}
	return resp
}

// Config selects where and how envelopes are written.
type Config struct {
	Writer io.Writer
	Pretty bool
}

// DefaultConfig writes compact JSON to stdout. Compact is the default
// because the primary reader is an agent shim counting tokens; a human
// can opt into indentation with OAKD_PRETTY_JSON=1.
func DefaultConfig() Config {
	return Config{Writer: os.Stdout, Pretty: prettyFromEnv()}
}

func prettyFromEnv() bool {
	switch os.Getenv("OAKD_PRETTY_JSON") {
	case "1", "true":
		return true
	default:
		return false
	}
}

// PrintWith encodes v to the configured writer.
func PrintWith(cfg Config, v interface{}) error {
	enc := json.NewEncoder(cfg.Writer)
	if cfg.Pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// Print encodes v to stdout under the default configuration.
func Print(v interface{}) error {
	return PrintWith(DefaultConfig(), v)
}

// PrintSuccess prints a successful envelope around data.
func PrintSuccess(data interface{}) error {
	return Print(Success(data))
}

// PrintError prints a failure envelope around err.
func PrintError(err error) error {
	return Print(Error(err))
}
