package petrel

import "fmt"

// SMTPCode represents SMTP reply codes (RFC 5321).
// 2yz: success, 3yz: continue, 4yz: transient failure, 5yz: permanent failure.
type SMTPCode int

const (
	CodeHelpMessage    SMTPCode = 214
	CodeServiceReady   SMTPCode = 220
	CodeServiceClosing SMTPCode = 221
	CodeAuthSuccess    SMTPCode = 235
	CodeOK             SMTPCode = 250

	CodeAuthContinue   SMTPCode = 334
	CodeStartMailInput SMTPCode = 354

	CodeServiceUnavailable  SMTPCode = 421
	CodeLocalError          SMTPCode = 451
	CodeInsufficientStorage SMTPCode = 452

	CodeCommandUnrecognized    SMTPCode = 500
	CodeSyntaxError            SMTPCode = 501
	CodeCommandNotImplemented  SMTPCode = 502
	CodeBadSequence            SMTPCode = 503
	CodeUnrecognizedAuthType   SMTPCode = 504
	CodeAuthRequired           SMTPCode = 530
	CodeAuthCredentialsInvalid SMTPCode = 535
	CodeMailboxNotFound        SMTPCode = 550
	CodeExceededStorage        SMTPCode = 552
	CodeMailboxNameInvalid     SMTPCode = 553
	CodeTransactionFailed      SMTPCode = 554
	CodeParamsNotRecognized    SMTPCode = 555
)

// EnhancedCode represents an enhanced status code (RFC 3463, RFC 2034),
// formatted "class.subject.detail".
type EnhancedCode string

const (
	ESCSuccess         EnhancedCode = "2.0.0"
	ESCRecipientValid  EnhancedCode = "2.1.5"
	ESCMessageAccepted EnhancedCode = "2.6.0"
	ESCSecuritySuccess EnhancedCode = "2.7.0"

	ESCTempLocalError          EnhancedCode = "4.3.0"
	ESCTempInsufficientStorage EnhancedCode = "4.3.1"

	ESCPermFailure            EnhancedCode = "5.0.0"
	ESCBadDestMailbox         EnhancedCode = "5.1.1"
	ESCBadDestSyntax          EnhancedCode = "5.1.3"
	ESCMessageTooLarge        EnhancedCode = "5.2.3"
	ESCMailSystemFull         EnhancedCode = "5.3.4"
	ESCInvalidCommand         EnhancedCode = "5.5.0"
	ESCBadCommandSequence     EnhancedCode = "5.5.1"
	ESCSyntaxError            EnhancedCode = "5.5.2"
	ESCInvalidArgs            EnhancedCode = "5.5.4"
	ESCMediaNotSupported      EnhancedCode = "5.6.1"
	ESCSecurityError          EnhancedCode = "5.7.0"
	ESCDeliveryNotAuth        EnhancedCode = "5.7.1"
	ESCAuthCredentialsInvalid EnhancedCode = "5.7.8"
)

// Response represents an SMTP reply to be sent to the client.
type Response struct {
	Code         SMTPCode
	EnhancedCode string
	Message      string
}

// String formats the response as a single SMTP reply line.
func (r Response) String() string {
	if r.EnhancedCode != "" {
		return fmt.Sprintf("%d %s %s", r.Code, r.EnhancedCode, r.Message)
	}
	return fmt.Sprintf("%d %s", r.Code, r.Message)
}

// IsError returns true for 4xx or 5xx codes.
func (r Response) IsError() bool {
	return r.Code >= 400
}

// IsPermanentError returns true for 5xx codes.
func (r Response) IsPermanentError() bool {
	return r.Code >= 500
}

// ResponseOK creates a 250 response with optional enhanced code.
func ResponseOK(message string, enhancedCode EnhancedCode) Response {
	return Response{
		Code:         CodeOK,
		EnhancedCode: string(enhancedCode),
		Message:      message,
	}
}

// ResponseServiceReady creates a 220 service ready response.
// The domain must be the first word after the code.
func ResponseServiceReady(domain string, message string) Response {
	msg := domain
	if message != "" {
		msg = domain + " " + message
	}
	return Response{Code: CodeServiceReady, Message: msg}
}

// ResponseServiceClosing creates a 221 service closing response.
func ResponseServiceClosing(domain string, message string) Response {
	msg := domain
	if message != "" {
		msg = domain + " " + message
	}
	return Response{Code: CodeServiceClosing, Message: msg}
}

// ResponseServiceUnavailable creates a 421 service unavailable response.
func ResponseServiceUnavailable(domain string, message string) Response {
	msg := domain
	if message != "" {
		msg = domain + " " + message
	}
	return Response{Code: CodeServiceUnavailable, Message: msg}
}

// ResponseBadSequence creates a 503 bad sequence of commands response.
func ResponseBadSequence(message string) Response {
	return Response{
		Code:         CodeBadSequence,
		EnhancedCode: string(ESCBadCommandSequence),
		Message:      message,
	}
}

// ResponseSyntaxError creates a 501 syntax error response.
func ResponseSyntaxError(message string) Response {
	return Response{
		Code:         CodeSyntaxError,
		EnhancedCode: string(ESCSyntaxError),
		Message:      message,
	}
}

// ResponseCommandNotRecognized creates a 500 command not recognized response.
func ResponseCommandNotRecognized(command string) Response {
	return Response{
		Code:         CodeCommandUnrecognized,
		EnhancedCode: string(ESCInvalidCommand),
		Message:      fmt.Sprintf("Command not recognized: %s", command),
	}
}

// ResponseCommandNotImplemented creates a 502 command not implemented response.
func ResponseCommandNotImplemented(command string) Response {
	return Response{
		Code:    CodeCommandNotImplemented,
		Message: fmt.Sprintf("%s not implemented", command),
	}
}

// ResponseMailboxNotFound creates a 550 mailbox not found response.
func ResponseMailboxNotFound(message string) Response {
	return Response{
		Code:         CodeMailboxNotFound,
		EnhancedCode: string(ESCBadDestMailbox),
		Message:      message,
	}
}

// ResponseAuthRequired creates a 530 authentication required response.
func ResponseAuthRequired(message string) Response {
	if message == "" {
		message = "Authentication required"
	}
	return Response{
		Code:         CodeAuthRequired,
		EnhancedCode: string(ESCSecurityError),
		Message:      message,
	}
}

// ResponseAuthCredentialsInvalid creates a 535 invalid credentials response.
func ResponseAuthCredentialsInvalid(message string) Response {
	if message == "" {
		message = "Authentication credentials invalid"
	}
	return Response{
		Code:         CodeAuthCredentialsInvalid,
		EnhancedCode: string(ESCAuthCredentialsInvalid),
		Message:      message,
	}
}

// ResponseTransactionFailed creates a 554 transaction failed response.
func ResponseTransactionFailed(message string, enhancedCode EnhancedCode) Response {
	return Response{
		Code:         CodeTransactionFailed,
		EnhancedCode: string(enhancedCode),
		Message:      message,
	}
}

// ResponseLocalError creates a 451 local error response.
func ResponseLocalError(message string) Response {
	return Response{
		Code:         CodeLocalError,
		EnhancedCode: string(ESCTempLocalError),
		Message:      message,
	}
}

// ResponseExceededStorage creates a 552 exceeded storage response.
func ResponseExceededStorage(message string) Response {
	if message == "" {
		message = "Requested mail action aborted: exceeded storage allocation"
	}
	return Response{
		Code:         CodeExceededStorage,
		EnhancedCode: string(ESCMailSystemFull),
		Message:      message,
	}
}
