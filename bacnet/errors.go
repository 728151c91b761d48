// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bacnet

import (
	"errors"
	"fmt"
)

// Sentinel errors. Frame decode failures (ErrInvalidTag through
// ErrInvalidBVLC) are tolerated while a receive loop is waiting for a
// matching response; everything else propagates to the caller.
var (
	ErrTimeout          = errors.New("bacnet: request timeout")
	ErrConnectionClosed = errors.New("bacnet: connection closed")
	ErrNotConnected     = errors.New("bacnet: not connected")
	ErrAlreadyConnected = errors.New("bacnet: already connected")
	ErrInvalidResponse  = errors.New("bacnet: invalid response")

	ErrInvalidTag  = errors.New("bacnet: malformed tag")
	ErrInvalidNPDU = errors.New("bacnet: malformed NPDU")
	ErrInvalidAPDU = errors.New("bacnet: malformed APDU")
	ErrInvalidBVLC = errors.New("bacnet: malformed BVLC header")

	ErrUnsupportedType = errors.New("bacnet: unsupported value type")

	ErrSegmentMismatch    = errors.New("bacnet: out-of-order segment")
	ErrSegmentTimeout     = errors.New("bacnet: segment ack timeout")
	ErrRetryExhausted     = errors.New("bacnet: segment retries exhausted")
	ErrReassemblyTooLarge = errors.New("bacnet: reassembled response exceeds limit")

	ErrTableOperation     = errors.New("bacnet: BDT/FDT operation failed")
	ErrRegistrationFailed = errors.New("bacnet: foreign device registration failed")

	ErrInvokeIDExhausted = errors.New("bacnet: no free invoke id")
	ErrDeviceNotFound    = errors.New("bacnet: device not found")
)

// ErrorClass represents BACnet error classes.
type ErrorClass uint8

const (
	ErrorClassDevice        ErrorClass = 0
	ErrorClassObject        ErrorClass = 1
	ErrorClassProperty      ErrorClass = 2
	ErrorClassResources     ErrorClass = 3
	ErrorClassSecurity      ErrorClass = 4
	ErrorClassServices      ErrorClass = 5
	ErrorClassVT            ErrorClass = 6
	ErrorClassCommunication ErrorClass = 7
)

func (e ErrorClass) String() string {
	names := map[ErrorClass]string{
		ErrorClassDevice:        "device",
		ErrorClassObject:        "object",
		ErrorClassProperty:      "property",
		ErrorClassResources:     "resources",
		ErrorClassSecurity:      "security",
		ErrorClassServices:      "services",
		ErrorClassVT:            "vt",
		ErrorClassCommunication: "communication",
	}
	if name, ok := names[e]; ok {
		return name
	}
	return fmt.Sprintf("error-class(%d)", uint8(e))
}

// ErrorCode represents BACnet error codes.
type ErrorCode uint8

const (
	ErrorCodeOther                   ErrorCode = 0
	ErrorCodeConfigurationInProgress ErrorCode = 2
	ErrorCodeDeviceBusy              ErrorCode = 3
	ErrorCodeFileAccessDenied        ErrorCode = 5
	ErrorCodeInconsistentParameters  ErrorCode = 7
	ErrorCodeInvalidDataType         ErrorCode = 9
	ErrorCodeInvalidFileAccessMethod ErrorCode = 10
	ErrorCodeInvalidFileStartPosition ErrorCode = 11
	ErrorCodeMissingRequiredParameter ErrorCode = 16
	ErrorCodeNoObjectsOfSpecifiedType ErrorCode = 17
	ErrorCodeNoSpaceToWriteProperty  ErrorCode = 20
	ErrorCodePropertyIsNotAList      ErrorCode = 22
	ErrorCodeObjectDeletionNotPermitted ErrorCode = 23
	ErrorCodeObjectIdentifierAlreadyExists ErrorCode = 24
	ErrorCodePasswordFailure         ErrorCode = 26
	ErrorCodeReadAccessDenied        ErrorCode = 27
	ErrorCodeServiceRequestDenied    ErrorCode = 29
	ErrorCodeUnknownObject           ErrorCode = 31
	ErrorCodeUnknownProperty         ErrorCode = 32
	ErrorCodeUnknownSubscription     ErrorCode = 33
	ErrorCodeValueOutOfRange         ErrorCode = 37
	ErrorCodeWriteAccessDenied       ErrorCode = 40
	ErrorCodeCharacterSetNotSupported ErrorCode = 41
	ErrorCodeInvalidArrayIndex       ErrorCode = 42
	ErrorCodeCovSubscriptionFailed   ErrorCode = 43
	ErrorCodeNotCovProperty          ErrorCode = 44
	ErrorCodeDatatypeNotSupported    ErrorCode = 47
	ErrorCodeDuplicateName           ErrorCode = 48
	ErrorCodeDuplicateObjectId       ErrorCode = 49
	ErrorCodePropertyIsNotAnArray    ErrorCode = 50
	ErrorCodeUnknownDevice           ErrorCode = 70
	ErrorCodeUnknownRoute            ErrorCode = 71
)

func (e ErrorCode) String() string {
	names := map[ErrorCode]string{
		ErrorCodeOther:                   "other",
		ErrorCodeConfigurationInProgress: "configuration-in-progress",
		ErrorCodeDeviceBusy:              "device-busy",
		ErrorCodeFileAccessDenied:        "file-access-denied",
		ErrorCodeInconsistentParameters:  "inconsistent-parameters",
		ErrorCodeInvalidDataType:         "invalid-data-type",
		ErrorCodeInvalidFileAccessMethod: "invalid-file-access-method",
		ErrorCodeInvalidFileStartPosition: "invalid-file-start-position",
		ErrorCodeMissingRequiredParameter: "missing-required-parameter",
		ErrorCodeNoObjectsOfSpecifiedType: "no-objects-of-specified-type",
		ErrorCodeNoSpaceToWriteProperty:  "no-space-to-write-property",
		ErrorCodePropertyIsNotAList:      "property-is-not-a-list",
		ErrorCodeObjectDeletionNotPermitted: "object-deletion-not-permitted",
		ErrorCodeObjectIdentifierAlreadyExists: "object-identifier-already-exists",
		ErrorCodePasswordFailure:         "password-failure",
		ErrorCodeReadAccessDenied:        "read-access-denied",
		ErrorCodeServiceRequestDenied:    "service-request-denied",
		ErrorCodeUnknownObject:           "unknown-object",
		ErrorCodeUnknownProperty:         "unknown-property",
		ErrorCodeUnknownSubscription:     "unknown-subscription",
		ErrorCodeValueOutOfRange:         "value-out-of-range",
		ErrorCodeWriteAccessDenied:       "write-access-denied",
		ErrorCodeCharacterSetNotSupported: "character-set-not-supported",
		ErrorCodeInvalidArrayIndex:       "invalid-array-index",
		ErrorCodeCovSubscriptionFailed:   "cov-subscription-failed",
		ErrorCodeNotCovProperty:          "not-cov-property",
		ErrorCodeDatatypeNotSupported:    "datatype-not-supported",
		ErrorCodeDuplicateName:           "duplicate-name",
		ErrorCodeDuplicateObjectId:       "duplicate-object-id",
		ErrorCodePropertyIsNotAnArray:    "property-is-not-an-array",
		ErrorCodeUnknownDevice:           "unknown-device",
		ErrorCodeUnknownRoute:            "unknown-route",
	}
	if name, ok := names[e]; ok {
		return name
	}
	return fmt.Sprintf("error-code(%d)", uint8(e))
}

// BACnetError is a peer-reported Error PDU outcome.
type BACnetError struct {
	Class ErrorClass
	Code  ErrorCode
}

func (e *BACnetError) Error() string {
	return fmt.Sprintf("bacnet error: class=%s, code=%s", e.Class, e.Code)
}

func (e *BACnetError) Is(target error) bool {
	t, ok := target.(*BACnetError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewBACnetError creates a BACnetError.
func NewBACnetError(class ErrorClass, code ErrorCode) *BACnetError {
	return &BACnetError{Class: class, Code: code}
}

// RejectReason represents BACnet reject reasons.
type RejectReason uint8

const (
	RejectReasonOther                    RejectReason = 0
	RejectReasonBufferOverflow           RejectReason = 1
	RejectReasonInconsistentParameters   RejectReason = 2
	RejectReasonInvalidParameterDataType RejectReason = 3
	RejectReasonInvalidTag               RejectReason = 4
	RejectReasonMissingRequiredParameter RejectReason = 5
	RejectReasonParameterOutOfRange      RejectReason = 6
	RejectReasonTooManyArguments         RejectReason = 7
	RejectReasonUndefinedEnumeration     RejectReason = 8
	RejectReasonUnrecognizedService      RejectReason = 9
)

func (r RejectReason) String() string {
	names := map[RejectReason]string{
		RejectReasonOther:                    "other",
		RejectReasonBufferOverflow:           "buffer-overflow",
		RejectReasonInconsistentParameters:   "inconsistent-parameters",
		RejectReasonInvalidParameterDataType: "invalid-parameter-data-type",
		RejectReasonInvalidTag:               "invalid-tag",
		RejectReasonMissingRequiredParameter: "missing-required-parameter",
		RejectReasonParameterOutOfRange:      "parameter-out-of-range",
		RejectReasonTooManyArguments:         "too-many-arguments",
		RejectReasonUndefinedEnumeration:     "undefined-enumeration",
		RejectReasonUnrecognizedService:      "unrecognized-service",
	}
	if name, ok := names[r]; ok {
		return name
	}
	return fmt.Sprintf("reject-reason(%d)", uint8(r))
}

// RejectError is a peer-reported Reject PDU outcome.
type RejectError struct {
	InvokeID uint8
	Reason   RejectReason
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("bacnet reject: invoke-id=%d, reason=%s", e.InvokeID, e.Reason)
}

// AbortReason represents BACnet abort reasons.
type AbortReason uint8

const (
	AbortReasonOther                         AbortReason = 0
	AbortReasonBufferOverflow                AbortReason = 1
	AbortReasonInvalidApduInThisState        AbortReason = 2
	AbortReasonPreemptedByHigherPriorityTask AbortReason = 3
	AbortReasonSegmentationNotSupported      AbortReason = 4
	AbortReasonSecurityError                 AbortReason = 5
	AbortReasonInsufficientSecurity          AbortReason = 6
	AbortReasonWindowSizeOutOfRange          AbortReason = 7
	AbortReasonApplicationExceededReplyTime  AbortReason = 8
	AbortReasonOutOfResources                AbortReason = 9
	AbortReasonTsmTimeout                    AbortReason = 10
	AbortReasonApduTooLong                   AbortReason = 11
)

func (a AbortReason) String() string {
	names := map[AbortReason]string{
		AbortReasonOther:                         "other",
		AbortReasonBufferOverflow:                "buffer-overflow",
		AbortReasonInvalidApduInThisState:        "invalid-apdu-in-this-state",
		AbortReasonPreemptedByHigherPriorityTask: "preempted-by-higher-priority-task",
		AbortReasonSegmentationNotSupported:      "segmentation-not-supported",
		AbortReasonSecurityError:                 "security-error",
		AbortReasonInsufficientSecurity:          "insufficient-security",
		AbortReasonWindowSizeOutOfRange:          "window-size-out-of-range",
		AbortReasonApplicationExceededReplyTime:  "application-exceeded-reply-time",
		AbortReasonOutOfResources:                "out-of-resources",
		AbortReasonTsmTimeout:                    "tsm-timeout",
		AbortReasonApduTooLong:                   "apdu-too-long",
	}
	if name, ok := names[a]; ok {
		return name
	}
	return fmt.Sprintf("abort-reason(%d)", uint8(a))
}

// AbortError is a peer-reported Abort PDU outcome.
type AbortError struct {
	InvokeID uint8
	Server   bool
	Reason   AbortReason
}

func (e *AbortError) Error() string {
	origin := "client"
	if e.Server {
		origin = "server"
	}
	return fmt.Sprintf("bacnet abort: invoke-id=%d, origin=%s, reason=%s", e.InvokeID, origin, e.Reason)
}

// IsTimeout returns true if the error is a timeout error.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrSegmentTimeout)
}

// IsDeviceNotFound returns true if the error indicates device not found.
func IsDeviceNotFound(err error) bool {
	if errors.Is(err, ErrDeviceNotFound) {
		return true
	}
	var bacnetErr *BACnetError
	if errors.As(err, &bacnetErr) {
		return bacnetErr.Code == ErrorCodeUnknownDevice || bacnetErr.Code == ErrorCodeUnknownObject
	}
	return false
}

// IsPropertyNotFound returns true if the error indicates property not found.
func IsPropertyNotFound(err error) bool {
	var bacnetErr *BACnetError
	if errors.As(err, &bacnetErr) {
		return bacnetErr.Code == ErrorCodeUnknownProperty
	}
	return false
}

// IsAccessDenied returns true if the error indicates access denied.
func IsAccessDenied(err error) bool {
	var bacnetErr *BACnetError
	if errors.As(err, &bacnetErr) {
		return bacnetErr.Code == ErrorCodeReadAccessDenied || bacnetErr.Code == ErrorCodeWriteAccessDenied
	}
	return false
}
