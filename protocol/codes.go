// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package protocol

// Code is a stable, user-visible failure code.
type Code int

const (
	CodeInvalidAuthorSignature Code = 1001
	CodeInsufficientBalance    Code = 2001
	CodeConflict               Code = 2002
	CodeInvalidRecipient       Code = 2003
	CodeValidationFailed       Code = 3001
	CodeBackendUnavailable     Code = 3002
	CodeStepTimeout            Code = 3003
	CodeFeeInvalid             Code = 4001
	CodeSignatureMissing       Code = 4002
	CodeSignatureInvalid       Code = 4003
	CodeCancelled              Code = 5001
	CodeExpired                Code = 5002
)

func (c Code) String() string {
	switch c {
	case CodeInvalidAuthorSignature:
		return "invalid author signature"
	case CodeInsufficientBalance:
		return "insufficient balance"
	case CodeConflict:
		return "input already spent"
	case CodeInvalidRecipient:
		return "recipient invalid"
	case CodeValidationFailed:
		return "validation failed"
	case CodeBackendUnavailable:
		return "backend daemon unavailable"
	case CodeStepTimeout:
		return "step timeout"
	case CodeFeeInvalid:
		return "fee output missing or incorrect"
	case CodeSignatureMissing:
		return "signature missing"
	case CodeSignatureInvalid:
		return "signature invalid"
	case CodeCancelled:
		return "cancelled"
	case CodeExpired:
		return "expired"
	default:
		return "internal error"
	}
}
