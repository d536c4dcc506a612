package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/orchestrator"
)

// Error is used by handler functions to wrap errors, assigning a unique error code
// and also specifying which HTTP Status should be used.
type Error struct {
	Err        error
	Code       int
	HTTPstatus int
	// Kind is the orchestrator error kind, if the error comes from an
	// orchestrator operation.
	Kind string
}

// MarshalJSON returns a JSON containing Err.Error(), Code and Kind. Field
// HTTPstatus is ignored.
//
// Example output: {"error":"illegal transition: ...","code":40009,"kind":"IllegalTransition"}
func (e Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(
		struct {
			Err  string `json:"error"`
			Code int    `json:"code"`
			Kind string `json:"kind,omitempty"`
		}{
			Err:  e.Err.Error(),
			Code: e.Code,
			Kind: e.Kind,
		})
}

// Error returns the Message contained inside the APIerror
func (e Error) Error() string {
	return e.Err.Error()
}

// Write serializes a JSON msg using APIerror.Message and APIerror.Code
// and writes it with the HTTP status of the error.
func (e Error) Write(w http.ResponseWriter) {
	msg, err := json.Marshal(e)
	if err != nil {
		log.Warn(err)
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	if log.Level() == log.LogLevelDebug {
		log.Debugw("API error response", "error", e.Error(), "code", e.Code, "httpStatus", e.HTTPstatus)
	}
	w.Header().Set("Content-Type", "application/json")
	http.Error(w, string(msg), e.HTTPstatus)
}

// Withf returns a copy of APIerror with the Sprintf formatted string appended at the end of e.Err
func (e Error) Withf(format string, args ...any) Error {
	return e.With(fmt.Sprintf(format, args...))
}

// With returns a copy of APIerror with the string appended at the end of e.Err
func (e Error) With(s string) Error {
	e.Err = fmt.Errorf("%w: %v", e.Err, s)
	return e
}

// WithErr returns a copy of APIerror with err.Error() appended at the end of e.Err
func (e Error) WithErr(err error) Error {
	return e.With(err.Error())
}

// errorFor maps an orchestrator operation error to its API error.
func errorFor(err error) Error {
	var apiErr Error
	kind := orchestrator.Kind(err)
	switch kind {
	case "IllegalTransition":
		apiErr = ErrIllegalTransition
	case "NoCheckpoint":
		apiErr = ErrNoCheckpoint
	case "InvalidArgument", "InvalidCapacity":
		apiErr = ErrMalformedBody
	case "Timeout", "Canceled":
		apiErr = ErrOperationInterrupted
	case "Provider", "KeyGeneration":
		apiErr = ErrProviderFailed
	default:
		apiErr = ErrGenericInternalServerError
	}
	apiErr.Err = err
	apiErr.Kind = kind
	return apiErr
}
