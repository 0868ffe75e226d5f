package apperrors

import "errors"

// Code is the stable numeric error code written in API error bodies.
type Code int

const (
	CodeSnapshotUnavailable Code = 1
	CodeQuotaRead           Code = 2
	CodeNotReady            Code = 3
	CodeAuthorization       Code = 4
	CodeMachineRejected     Code = 5
	CodeRegistryRead        Code = 6
	CodeBusy                Code = 7
	CodeRegistryWrite       Code = 8
	CodeQuotaConsumed       Code = 9
	CodeMachineUnreachable  Code = 10
	CodeUndefinedUser       Code = 11
	CodeUndefinedMachine    Code = 12
	CodeInvalidRoute        Code = 13
	CodeRegistryDelete      Code = 14
	CodeMissingFile         Code = 15
	CodeMalformedRequest    Code = 16
)

var codeMessages = map[Code]string{
	CodeSnapshotUnavailable: "Fablab communication error",
	CodeQuotaRead:           "Database error reading quota",
	CodeNotReady:            "Fablab is alive but not ready",
	CodeAuthorization:       "Unknown authorization error",
	CodeMachineRejected:     "Machine unknown error",
	CodeRegistryRead:        "Database error, cannot read",
	CodeBusy:                "Fablab busy",
	CodeRegistryWrite:       "Database error, cannot write",
	CodeQuotaConsumed:       "API quota consumed",
	CodeMachineUnreachable:  "Cannot connect to the target machine",
	CodeUndefinedUser:       "Undefined user",
	CodeUndefinedMachine:    "Undefined machine",
	CodeInvalidRoute:        "Invalid route, job not found",
	CodeRegistryDelete:      "Database error, cannot delete",
	CodeMissingFile:         "Missing design file",
	CodeMalformedRequest:    "Malformed request",
}

// Message returns the default message for the code.
func (c Code) Message() string {
	if m, ok := codeMessages[c]; ok {
		return m
	}
	return "Unknown error"
}

// CodeOf extracts the code carried by err, or zero if err is not an *Error.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return 0
}
