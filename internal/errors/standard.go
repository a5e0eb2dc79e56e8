// Package errors provides standardized error values for the region allocator.
package errors

import (
	"fmt"
	"runtime"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryInvariant  ErrorCategory = "INVARIANT"
	CategoryValidation ErrorCategory = "VALIDATION"
	CategoryConfig     ErrorCategory = "CONFIG"
	CategorySystem     ErrorCategory = "SYSTEM"
)

// Stable error codes. Callers match on them through errors.Is against the
// sentinels below.
const (
	CodeAlreadyInitialized = "ALREADY_INITIALIZED"
	CodeNotInitialized     = "NOT_INITIALIZED"
	CodeNotIdle            = "NOT_IDLE"
	CodeNilRegion          = "NIL_REGION"
	CodeEmptyRegion        = "EMPTY_REGION"
	CodeRegionNotEmpty     = "REGION_NOT_EMPTY"
	CodeUsedUnderflow      = "USED_UNDERFLOW"
	CodeInvalidSize        = "INVALID_SIZE"
	CodeInvalidConfig      = "INVALID_CONFIG"
	CodeReservation        = "RESERVATION_FAILED"
)

// StandardError provides a consistent error format
type StandardError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
}

// Error implements the error interface
func (e *StandardError) Error() string {
	return fmt.Sprintf("[%s:%s] %s (caller: %s)", e.Category, e.Code, e.Message, e.Caller)
}

// Is reports whether target is a StandardError with the same category and code.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// NewStandardError creates a new standardized error
func NewStandardError(category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	pc, _, _, ok := runtime.Caller(1)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}

	return &StandardError{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   caller,
	}
}

// Sentinels for errors.Is.
var (
	ErrAlreadyInitialized = &StandardError{Category: CategoryInvariant, Code: CodeAlreadyInitialized}
	ErrNotInitialized     = &StandardError{Category: CategoryInvariant, Code: CodeNotInitialized}
	ErrNotIdle            = &StandardError{Category: CategoryInvariant, Code: CodeNotIdle}
	ErrNilRegion          = &StandardError{Category: CategoryInvariant, Code: CodeNilRegion}
	ErrEmptyRegion        = &StandardError{Category: CategoryInvariant, Code: CodeEmptyRegion}
	ErrRegionNotEmpty     = &StandardError{Category: CategoryInvariant, Code: CodeRegionNotEmpty}
	ErrUsedUnderflow      = &StandardError{Category: CategoryInvariant, Code: CodeUsedUnderflow}
	ErrInvalidSize        = &StandardError{Category: CategoryValidation, Code: CodeInvalidSize}
	ErrInvalidConfig      = &StandardError{Category: CategoryConfig, Code: CodeInvalidConfig}
)

// Common error constructors
func AlreadyInitialized(name string) *StandardError {
	return NewStandardError(CategoryInvariant, CodeAlreadyInitialized,
		fmt.Sprintf("%s: alloc region already initialized", name),
		map[string]interface{}{"name": name})
}

func NotInitialized(name, operation string) *StandardError {
	return NewStandardError(CategoryInvariant, CodeNotInitialized,
		fmt.Sprintf("%s: %s on an alloc region that is not initialized", name, operation),
		map[string]interface{}{"name": name, "operation": operation})
}

func NotIdle(name string, count uint32) *StandardError {
	return NewStandardError(CategoryInvariant, CodeNotIdle,
		fmt.Sprintf("%s: alloc region is not idle (count %d)", name, count),
		map[string]interface{}{"name": name, "count": count})
}

func NilRegion(name, operation string) *StandardError {
	return NewStandardError(CategoryInvariant, CodeNilRegion,
		fmt.Sprintf("%s: nil region passed to %s", name, operation),
		map[string]interface{}{"name": name, "operation": operation})
}

func EmptyRegion(name string, index uint32) *StandardError {
	return NewStandardError(CategoryInvariant, CodeEmptyRegion,
		fmt.Sprintf("%s: region %d is empty and cannot become active", name, index),
		map[string]interface{}{"name": name, "region": index})
}

func RegionNotEmpty(name string, index uint32, used uintptr) *StandardError {
	return NewStandardError(CategoryInvariant, CodeRegionNotEmpty,
		fmt.Sprintf("%s: new region %d already has %d bytes used", name, index, used),
		map[string]interface{}{"name": name, "region": index, "used": used})
}

func UsedUnderflow(name string, used, before uintptr) *StandardError {
	return NewStandardError(CategoryInvariant, CodeUsedUnderflow,
		fmt.Sprintf("%s: region used %d below snapshot %d", name, used, before),
		map[string]interface{}{"name": name, "used": used, "before": before})
}

func InvalidSize(size uintptr, context string) *StandardError {
	return NewStandardError(CategoryValidation, CodeInvalidSize,
		fmt.Sprintf("Invalid size %d in %s", size, context),
		map[string]interface{}{"size": size, "context": context})
}

func InvalidConfig(field, reason string) *StandardError {
	return NewStandardError(CategoryConfig, CodeInvalidConfig,
		fmt.Sprintf("invalid config field %s: %s", field, reason),
		map[string]interface{}{"field": field, "reason": reason})
}

func ReservationFailed(bytes uintptr, err error) *StandardError {
	return NewStandardError(CategorySystem, CodeReservation,
		fmt.Sprintf("reserving %d bytes failed: %v", bytes, err),
		map[string]interface{}{"bytes": bytes, "cause": err})
}
