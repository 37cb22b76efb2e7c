package oneflow

import (
	"fmt"
	"strings"
)

// Fatal conversion errors. Inside graph building they are thrown as exceptions
// (gomlx convention); Model.BuildGraph catches them and returns them as regular
// errors, possibly wrapped with node context. A conversion either produces a
// complete, internally consistent graph or fails with one of these; nothing is
// retried and there is no partial-success mode.

// UnsupportedOperatorError reports every operator type in the job that has no
// registered converter. It is raised before any conversion work starts and always
// carries the complete list, not just the first offender.
type UnsupportedOperatorError struct {
	OpTypes []string
}

func (e *UnsupportedOperatorError) Error() string {
	return fmt.Sprintf("the following operators are not supported: %s", strings.Join(e.OpTypes, ", "))
}

// UnrecognizedAttributeKindError reports an attribute whose tag is outside the known
// at_* set. The original frontend silently dropped such attributes; here they fail.
type UnrecognizedAttributeKindError struct {
	Op   string
	Key  string
	Kind AttrKind
}

func (e *UnrecognizedAttributeKindError) Error() string {
	return fmt.Sprintf("attribute %q of OneFlow op %q has unrecognized kind %d", e.Key, e.Op, int(e.Kind))
}

// InvalidPaddingModeError reports an unknown padding-policy string on a spatial
// operator.
type InvalidPaddingModeError struct {
	Op   string
	Mode string
}

func (e *InvalidPaddingModeError) Error() string {
	return fmt.Sprintf("value %q in attribute \"padding\" of operator %q is invalid", e.Mode, e.Op)
}

// UnboundReferenceError reports a consumer referencing a storage path with no known
// producer, graph input, or checkpoint parameter.
type UnboundReferenceError struct {
	Node string
	Slot string
	Path string
}

func (e *UnboundReferenceError) Error() string {
	if e.Slot == "" {
		return fmt.Sprintf("node %q references storage path %q, which no producer, input, or parameter provides", e.Node, e.Path)
	}
	return fmt.Sprintf("input %q of node %q references storage path %q, which no producer, input, or parameter provides", e.Slot, e.Node, e.Path)
}

// DuplicateBindingError reports two distinct producers claiming the same storage
// path. Re-binding a path to the identical symbol is idempotent and not an error.
type DuplicateBindingError struct {
	Path     string
	Existing string
	Symbol   string
}

func (e *DuplicateBindingError) Error() string {
	return fmt.Sprintf("storage path %q already bound to symbol %q, cannot rebind to %q", e.Path, e.Existing, e.Symbol)
}

// OutputCountMismatchError reports a converter producing a different number of values
// than its node declares.
type OutputCountMismatchError struct {
	Node     string
	OpType   string
	Declared int
	Produced int
}

func (e *OutputCountMismatchError) Error() string {
	return fmt.Sprintf("operator %q (node %q) declares %d outputs but its converter produced %d", e.OpType, e.Node, e.Declared, e.Produced)
}

// MalformedGraphError reports output-expression dependencies that are neither
// declared inputs, checkpoint parameters, nor converted operator results.
type MalformedGraphError struct {
	FreeSymbols []string
}

func (e *MalformedGraphError) Error() string {
	return fmt.Sprintf("graph outputs depend on symbols that are not declared inputs or parameters: %s", strings.Join(e.FreeSymbols, ", "))
}
