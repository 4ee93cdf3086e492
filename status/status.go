package status

import (
	"fmt"

	"github.com/pkg/errors"
)

// Category groups status codes by who is responsible for them. Verification
// failures reject a module before it can run, execution failures abort a
// single run, and invariant failures mean the VM itself is inconsistent.
type Category int

const (
	Verification Category = iota + 1
	Execution
	Invariant
	Linker
	Host
)

func (c Category) String() string {
	switch c {
	case Verification:
		return "verification"
	case Execution:
		return "execution"
	case Invariant:
		return "invariant"
	case Linker:
		return "linker"
	case Host:
		return "host"
	default:
		panic("Invalid status category encountered.")
	}
}

type Code int

const (
	// Structure and bounds.
	MalformedModule Code = iota + 1
	IndexOutOfBounds
	InvalidBranchTarget
	DuplicateDefinition
	InvalidSignature
	InvalidConstant
	RecursiveStructDefinition

	// Per-function bytecode checks.
	StackHeightMismatch
	StackUnderflow
	TypeMismatch
	TypeArityMismatch
	ConstraintNotSatisfied
	CopyResourceValue
	UnusedResourceValue
	MoveUnavailableLocal
	ConflictingBorrow
	ReferenceEscapesScope
	GlobalAccessOutsideModule
	ReturnTypeMismatch

	// Execution aborts.
	Aborted
	ArithmeticOverflow
	DivisionByZero
	ResourceNotFound
	ResourceAlreadyExists
	GlobalReferenceConflict
	OutOfGas
	CallStackOverflow
	RecursiveTypeInstantiation
	VectorIndexOutOfBounds
	VectorNotEmpty
	NativeFailure

	// Internal.
	InternalInvariantViolation

	// Linking and host interaction.
	LinkerError
	ModuleAddressDoesNotMatchSender
	InvalidArguments
	StorageError
)

var codeNames = map[Code]string{
	MalformedModule:                 "MALFORMED_MODULE",
	IndexOutOfBounds:                "INDEX_OUT_OF_BOUNDS",
	InvalidBranchTarget:             "INVALID_BRANCH_TARGET",
	DuplicateDefinition:             "DUPLICATE_DEFINITION",
	InvalidSignature:                "INVALID_SIGNATURE",
	InvalidConstant:                 "INVALID_CONSTANT",
	RecursiveStructDefinition:       "RECURSIVE_STRUCT_DEFINITION",
	StackHeightMismatch:             "STACK_HEIGHT_MISMATCH",
	StackUnderflow:                  "STACK_UNDERFLOW",
	TypeMismatch:                    "TYPE_MISMATCH",
	TypeArityMismatch:               "TYPE_ARITY_MISMATCH",
	ConstraintNotSatisfied:          "CONSTRAINT_NOT_SATISFIED",
	CopyResourceValue:               "COPY_RESOURCE_VALUE",
	UnusedResourceValue:             "UNUSED_RESOURCE_VALUE",
	MoveUnavailableLocal:            "MOVE_UNAVAILABLE_LOCAL",
	ConflictingBorrow:               "CONFLICTING_BORROW",
	ReferenceEscapesScope:           "REFERENCE_ESCAPES_SCOPE",
	GlobalAccessOutsideModule:       "GLOBAL_ACCESS_OUTSIDE_MODULE",
	ReturnTypeMismatch:              "RETURN_TYPE_MISMATCH",
	Aborted:                         "ABORTED",
	ArithmeticOverflow:              "ARITHMETIC_OVERFLOW",
	DivisionByZero:                  "DIVISION_BY_ZERO",
	ResourceNotFound:                "RESOURCE_NOT_FOUND",
	ResourceAlreadyExists:           "RESOURCE_ALREADY_EXISTS",
	GlobalReferenceConflict:         "GLOBAL_REFERENCE_CONFLICT",
	OutOfGas:                        "OUT_OF_GAS",
	CallStackOverflow:               "CALL_STACK_OVERFLOW",
	RecursiveTypeInstantiation:      "RECURSIVE_TYPE_INSTANTIATION",
	VectorIndexOutOfBounds:          "VECTOR_INDEX_OUT_OF_BOUNDS",
	VectorNotEmpty:                  "VECTOR_NOT_EMPTY",
	NativeFailure:                   "NATIVE_FAILURE",
	InternalInvariantViolation:      "INTERNAL_INVARIANT_VIOLATION",
	LinkerError:                     "LINKER_ERROR",
	ModuleAddressDoesNotMatchSender: "MODULE_ADDRESS_DOES_NOT_MATCH_SENDER",
	InvalidArguments:                "INVALID_ARGUMENTS",
	StorageError:                    "STORAGE_ERROR",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_STATUS(%d)", int(c))
}

// Category reports which stage of the pipeline owns the code. Structure and
// bytecode checks belong to verification. RecursiveTypeInstantiation is
// reported by both the verifier and the interpreter; as a bare code it counts
// as an execution abort.
func (c Code) Category() Category {
	switch {
	case c >= MalformedModule && c <= ReturnTypeMismatch:
		return Verification
	case c >= Aborted && c <= NativeFailure:
		return Execution
	case c == InternalInvariantViolation:
		return Invariant
	case c == LinkerError:
		return Linker
	default:
		return Host
	}
}

// Location points at the instruction that produced a status. Function is
// empty for module-level failures, and Offset is only meaningful when
// Function is set.
type Location struct {
	Module   string
	Function string
	Offset   int
}

func (l Location) String() string {
	switch {
	case l.Module == "":
		return "<unknown>"
	case l.Function == "":
		return l.Module
	default:
		return fmt.Sprintf("%s::%s@%d", l.Module, l.Function, l.Offset)
	}
}

// Error is the one error type every VM stage reports. AbortCode is only set
// for explicit aborts raised by the Abort instruction. Err holds the failure
// from outside the VM, such as a storage backend error, that caused this one.
type Error struct {
	Code      Code
	Category  Category
	Location  Location
	AbortCode uint64
	Message   string
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error %s at %s", e.Category, e.Code, e.Location)
	if e.Code == Aborted {
		msg = fmt.Sprintf("%s (code %d)", msg, e.AbortCode)
	}
	if e.Message != "" {
		msg = msg + ": " + e.Message
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Cause and Unwrap expose Err to errors.Cause and errors.Is/As.
func (e *Error) Cause() error {
	return e.Err
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so that errors.Is(err, New(code))
// works as a code comparison.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func New(code Code) *Error {
	return &Error{Code: code, Category: code.Category()}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Category: code.Category(), Message: fmt.Sprintf(format, args...)}
}

// Verificationf builds an error that is always categorized as a verification
// failure, regardless of the code's default category.
// Wrap builds an error with the given code around an outside failure.
func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Category: code.Category(), Err: err}
}

func Verificationf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Category: Verification, Message: fmt.Sprintf(format, args...)}
}

func UserAbort(code uint64) *Error {
	return &Error{Code: Aborted, Category: Execution, AbortCode: code}
}

func Invariantf(format string, args ...any) *Error {
	return Newf(InternalInvariantViolation, format, args...)
}

// At returns a copy of the error pinned to a location. An error that already
// has a location keeps it, so the innermost location wins as errors bubble.
func (e *Error) At(loc Location) *Error {
	if e.Location.Module != "" {
		return e
	}
	c := *e
	c.Location = loc
	return &c
}

// CodeOf digs through wrapped errors for a status code. The second result is
// false when the chain holds no *Error.
func CodeOf(err error) (Code, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}

// AsError extracts the *Error from a possibly wrapped chain.
func AsError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
