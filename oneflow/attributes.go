package oneflow

import (
	"github.com/gomlx/exceptions"
)

// AttrKind tags which member of an AttrValue (or normalized Attribute) is set.
// The raw kinds mirror the oneof cases of OneFlow's attr_value.proto.
type AttrKind int

const (
	AttrInvalid AttrKind = iota
	AttrBool
	AttrInt32
	AttrInt64
	AttrFloat
	AttrDouble
	AttrString
	AttrShape
	AttrListFloat
	AttrListInt32
	AttrListInt64
)

// String implements fmt.Stringer.
func (k AttrKind) String() string {
	switch k {
	case AttrBool:
		return "at_bool"
	case AttrInt32:
		return "at_int32"
	case AttrInt64:
		return "at_int64"
	case AttrFloat:
		return "at_float"
	case AttrDouble:
		return "at_double"
	case AttrString:
		return "at_string"
	case AttrShape:
		return "at_shape"
	case AttrListFloat:
		return "at_list_float"
	case AttrListInt32:
		return "at_list_int32"
	case AttrListInt64:
		return "at_list_int64"
	default:
		return "at_invalid"
	}
}

// AttrValue is one decoded operator attribute, still carrying its original tag.
// Exactly the member selected by Kind is meaningful.
type AttrValue struct {
	Kind      AttrKind
	Bool      bool
	Int32     int32
	Int64     int64
	Float     float32
	Double    float64
	Str       string
	Shape     []int64
	ListFloat []float32
	ListInt32 []int32
	ListInt64 []int64
}

// Attribute is the normalized form: scalar widths are widened and the three integer
// list tags (shape included) collapse into one representation.
type Attribute struct {
	Kind   AttrKind // one of AttrBool, AttrInt64, AttrDouble, AttrString, AttrListInt64, AttrListFloat.
	Bool   bool
	Int    int64
	Float  float64
	Str    string
	Ints   []int64
	Floats []float32
}

// Attributes is an operator's normalized attribute map, plus the operator name for
// error reporting. The accessors panic (throw exceptions, in gomlx graph-building
// style) on missing or mistyped required attributes.
type Attributes struct {
	op string
	m  map[string]Attribute
}

// parseAttributes normalizes a raw tagged attribute map. A tag outside the known set
// fails with UnrecognizedAttributeKind naming the offending key: unknown tags are
// never silently dropped.
func parseAttributes(opName string, raw map[string]AttrValue) (Attributes, error) {
	attrs := Attributes{op: opName, m: make(map[string]Attribute, len(raw))}
	for key, value := range raw {
		var attr Attribute
		switch value.Kind {
		case AttrBool:
			attr = Attribute{Kind: AttrBool, Bool: value.Bool}
		case AttrInt32:
			attr = Attribute{Kind: AttrInt64, Int: int64(value.Int32)}
		case AttrInt64:
			attr = Attribute{Kind: AttrInt64, Int: value.Int64}
		case AttrFloat:
			attr = Attribute{Kind: AttrDouble, Float: float64(value.Float)}
		case AttrDouble:
			attr = Attribute{Kind: AttrDouble, Float: value.Double}
		case AttrString:
			attr = Attribute{Kind: AttrString, Str: value.Str}
		case AttrShape:
			attr = Attribute{Kind: AttrListInt64, Ints: value.Shape}
		case AttrListInt32:
			ints := make([]int64, len(value.ListInt32))
			for ii, v := range value.ListInt32 {
				ints[ii] = int64(v)
			}
			attr = Attribute{Kind: AttrListInt64, Ints: ints}
		case AttrListInt64:
			attr = Attribute{Kind: AttrListInt64, Ints: value.ListInt64}
		case AttrListFloat:
			attr = Attribute{Kind: AttrListFloat, Floats: value.ListFloat}
		default:
			return Attributes{}, &UnrecognizedAttributeKindError{Op: opName, Key: key, Kind: value.Kind}
		}
		attrs.m[key] = attr
	}
	return attrs, nil
}

// Has reports whether the attribute is present.
func (a Attributes) Has(name string) bool {
	_, found := a.m[name]
	return found
}

func (a Attributes) get(name string, required bool) (Attribute, bool) {
	attr, found := a.m[name]
	if !found && required {
		exceptions.Panicf("OneFlow op %q is missing required attribute %q", a.op, name)
	}
	return attr, found
}

func (a Attributes) badType(name string, attr Attribute, want string) {
	exceptions.Panicf("attribute %q of OneFlow op %q is %s, expected %s", name, a.op, attr.Kind, want)
}

// Int gets the attribute as an integer. It panics with an exception if the attribute
// is not set or is of the wrong type.
func (a Attributes) Int(name string) int {
	attr, _ := a.get(name, true)
	if attr.Kind != AttrInt64 {
		a.badType(name, attr, "an integer")
	}
	return int(attr.Int)
}

// IntOr gets an integer attribute if present, or returns defaultValue.
func (a Attributes) IntOr(name string, defaultValue int) int {
	if !a.Has(name) {
		return defaultValue
	}
	return a.Int(name)
}

// Ints gets a list-of-integers attribute (shape tags included). A scalar integer is
// accepted as a one-element list, matching how OneFlow emits single-axis attributes.
func (a Attributes) Ints(name string) []int {
	attr, _ := a.get(name, true)
	if attr.Kind == AttrInt64 {
		return []int{int(attr.Int)}
	}
	if attr.Kind != AttrListInt64 {
		a.badType(name, attr, "a list of integers")
	}
	ints := make([]int, len(attr.Ints))
	for ii, v := range attr.Ints {
		ints[ii] = int(v)
	}
	return ints
}

// IntsOr gets a list-of-integers attribute if present, or returns defaultValues.
func (a Attributes) IntsOr(name string, defaultValues []int) []int {
	if !a.Has(name) {
		return defaultValues
	}
	return a.Ints(name)
}

// Float gets the attribute as a float64 (both float tags widen).
func (a Attributes) Float(name string) float64 {
	attr, _ := a.get(name, true)
	if attr.Kind != AttrDouble {
		a.badType(name, attr, "a float")
	}
	return attr.Float
}

// FloatOr gets a float attribute if present, or returns defaultValue.
func (a Attributes) FloatOr(name string, defaultValue float64) float64 {
	if !a.Has(name) {
		return defaultValue
	}
	return a.Float(name)
}

// Bool gets the attribute as a boolean.
func (a Attributes) Bool(name string) bool {
	attr, _ := a.get(name, true)
	if attr.Kind != AttrBool {
		a.badType(name, attr, "a boolean")
	}
	return attr.Bool
}

// BoolOr gets a boolean attribute if present, or returns defaultValue.
func (a Attributes) BoolOr(name string, defaultValue bool) bool {
	if !a.Has(name) {
		return defaultValue
	}
	return a.Bool(name)
}

// Str gets the attribute as a string.
func (a Attributes) Str(name string) string {
	attr, _ := a.get(name, true)
	if attr.Kind != AttrString {
		a.badType(name, attr, "a string")
	}
	return attr.Str
}

// StrOr gets a string attribute if present, or returns defaultValue.
func (a Attributes) StrOr(name, defaultValue string) string {
	if !a.Has(name) {
		return defaultValue
	}
	return a.Str(name)
}
