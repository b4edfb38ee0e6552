package ast

import (
	"fmt"
	"strconv"
	"strings"
)

// Tag represents the type of a Value.
type Tag int

const (
	TInt Tag = iota
	TSym
	TCell
	TNil
	TCode      // generated C expression, produced by codegen only
	TError     // compile-time error sentinel
	TChar      // character value
	TFloat     // floating point value (float64)
	TBox       // mutable reference cell (for set!)
	TChan      // CSP channel (OS-thread transfer)
	TAtom      // atomic reference (shared mutable state)
	TThread    // OS thread handle
	TUserType  // user-defined algebraic type instance
)

// Value is the core tagged-sum AST node. Every surface-language form is a
// Cell whose Car is an operator symbol; Box/Chan/Atom/Thread/UserType are not
// separate syntax, they are values the analyses recognize by pattern-matching
// the Cell's operator (e.g. "box", "make-chan", "deftype" instances, see
// pkg/analysis). The tags beyond {Int,Float,Char,Sym,Cell,Nil} exist so
// codegen can carry folded literals and lifted C fragments through the same
// tree without a second value representation.
type Value struct {
	Tag Tag

	// Line is the 1-based source line the parser saw this node start on.
	// Zero for nodes synthesized by analysis/codegen rather than parsed
	// from text. Used for diagnostics, not evaluation.
	Line int

	// TInt, TChar
	Int int64

	// TFloat
	Float float64

	// TSym, TCode, TError
	Str string

	// TCell
	Car *Value
	Cdr *Value

	// TBox
	BoxValue *Value

	// TChan
	ChanSend chan *Value
	ChanRecv chan *Value
	ChanCap  int

	// TAtom
	AtomValue *Value

	// TThread
	ThreadDone   chan *Value
	ThreadResult *Value

	// TUserType
	UserTypeName       string
	UserTypeFields     map[string]*Value
	UserTypeFieldOrder []string
}

// Nil is the singleton nil value.
var Nil = &Value{Tag: TNil}

// NewInt creates an integer value.
func NewInt(i int64) *Value {
	return &Value{Tag: TInt, Int: i}
}

// NewSym creates a symbol value.
func NewSym(s string) *Value {
	return &Value{Tag: TSym, Str: s}
}

// NewCell creates a cons cell.
func NewCell(car, cdr *Value) *Value {
	return &Value{Tag: TCell, Car: car, Cdr: cdr}
}

// NewCode creates a code (generated C) value.
func NewCode(s string) *Value {
	return &Value{Tag: TCode, Str: s}
}

// NewError creates an error value.
func NewError(msg string) *Value {
	return &Value{Tag: TError, Str: msg}
}

// NewChar creates a character value.
func NewChar(c rune) *Value {
	return &Value{Tag: TChar, Int: int64(c)}
}

// NewFloat creates a floating point value.
func NewFloat(f float64) *Value {
	return &Value{Tag: TFloat, Float: f}
}

// NewBox creates a mutable reference cell.
func NewBox(v *Value) *Value {
	return &Value{Tag: TBox, BoxValue: v}
}

// NewChan creates a channel value.
func NewChan(capacity int) *Value {
	ch := make(chan *Value, capacity)
	return &Value{
		Tag:      TChan,
		ChanSend: ch,
		ChanRecv: ch,
		ChanCap:  capacity,
	}
}

// NewAtom creates an atomic reference.
func NewAtom(val *Value) *Value {
	return &Value{
		Tag:       TAtom,
		AtomValue: val,
	}
}

// NewThread creates an OS thread handle.
func NewThread() *Value {
	return &Value{
		Tag:        TThread,
		ThreadDone: make(chan *Value, 1),
	}
}

// NewUserType creates a user-defined type instance.
// fieldOrder specifies the order of fields for index-based access.
func NewUserType(typeName string, fields map[string]*Value, fieldOrder []string) *Value {
	return &Value{
		Tag:                TUserType,
		UserTypeName:       typeName,
		UserTypeFields:     fields,
		UserTypeFieldOrder: fieldOrder,
	}
}

// IsUserType checks if value is a user-defined type.
func IsUserType(v *Value) bool {
	return v != nil && v.Tag == TUserType
}

// IsUserTypeOf checks if value is an instance of specific user type.
func IsUserTypeOf(v *Value, typeName string) bool {
	return v != nil && v.Tag == TUserType && v.UserTypeName == typeName
}

// UserTypeGetField gets a field value from a user-defined type.
func UserTypeGetField(v *Value, fieldName string) *Value {
	if v == nil || v.Tag != TUserType || v.UserTypeFields == nil {
		return nil
	}
	return v.UserTypeFields[fieldName]
}

// UserTypeSetField sets a field value in a user-defined type.
func UserTypeSetField(v *Value, fieldName string, val *Value) {
	if v != nil && v.Tag == TUserType && v.UserTypeFields != nil {
		v.UserTypeFields[fieldName] = val
	}
}

// IsNil checks if a value is nil.
func IsNil(v *Value) bool {
	return v == nil || v.Tag == TNil
}

// IsCode checks if a value is generated code.
func IsCode(v *Value) bool {
	return v != nil && v.Tag == TCode
}

// IsSym checks if a value is a symbol.
func IsSym(v *Value) bool {
	return v != nil && v.Tag == TSym
}

// IsInt checks if a value is an integer.
func IsInt(v *Value) bool {
	return v != nil && v.Tag == TInt
}

// IsCell checks if a value is a cons cell.
func IsCell(v *Value) bool {
	return v != nil && v.Tag == TCell
}

// IsError checks if a value is an error.
func IsError(v *Value) bool {
	return v != nil && v.Tag == TError
}

// IsChar checks if a value is a character.
func IsChar(v *Value) bool {
	return v != nil && v.Tag == TChar
}

// IsFloat checks if a value is a floating point number.
func IsFloat(v *Value) bool {
	return v != nil && v.Tag == TFloat
}

// IsBox checks if a value is a mutable box.
func IsBox(v *Value) bool {
	return v != nil && v.Tag == TBox
}

// IsChan checks if a value is a channel.
func IsChan(v *Value) bool {
	return v != nil && v.Tag == TChan
}

// IsAtom checks if a value is an atomic reference.
func IsAtom(v *Value) bool {
	return v != nil && v.Tag == TAtom
}

// IsThread checks if a value is an OS thread handle.
func IsThread(v *Value) bool {
	return v != nil && v.Tag == TThread
}

// SymEq compares two symbols.
func SymEq(s1, s2 *Value) bool {
	if s1 == nil || s2 == nil {
		return false
	}
	if s1.Tag != TSym || s2.Tag != TSym {
		return false
	}
	return s1.Str == s2.Str
}

// SymEqStr compares a symbol to a string.
func SymEqStr(s *Value, str string) bool {
	if s == nil || s.Tag != TSym {
		return false
	}
	return s.Str == str
}

// List helpers.
func List1(a *Value) *Value {
	return NewCell(a, Nil)
}

func List2(a, b *Value) *Value {
	return NewCell(a, NewCell(b, Nil))
}

func List3(a, b, c *Value) *Value {
	return NewCell(a, NewCell(b, NewCell(c, Nil)))
}

// ListLen returns the length of a list.
func ListLen(v *Value) int {
	n := 0
	for !IsNil(v) && IsCell(v) {
		n++
		v = v.Cdr
	}
	return n
}

// ListToSlice converts a list to a slice.
func ListToSlice(v *Value) []*Value {
	var result []*Value
	for !IsNil(v) && IsCell(v) {
		result = append(result, v.Car)
		v = v.Cdr
	}
	return result
}

// SliceToList converts a slice to a list.
func SliceToList(items []*Value) *Value {
	result := Nil
	for i := len(items) - 1; i >= 0; i-- {
		result = NewCell(items[i], result)
	}
	return result
}

// String returns a string representation of a value.
func (v *Value) String() string {
	if v == nil {
		return "nil"
	}
	switch v.Tag {
	case TInt:
		return strconv.FormatInt(v.Int, 10)
	case TSym:
		return v.Str
	case TCode:
		return v.Str
	case TCell:
		return listToString(v)
	case TNil:
		return "()"
	case TError:
		return fmt.Sprintf("#<error: %s>", v.Str)
	case TChar:
		return charToString(rune(v.Int))
	case TFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case TBox:
		return fmt.Sprintf("#<box %s>", v.BoxValue.String())
	case TChan:
		return fmt.Sprintf("#<channel cap=%d>", v.ChanCap)
	case TAtom:
		return fmt.Sprintf("#<atom %s>", v.AtomValue.String())
	case TThread:
		return "#<thread>"
	case TUserType:
		var sb strings.Builder
		sb.WriteString("#<")
		sb.WriteString(v.UserTypeName)
		for _, fieldName := range v.UserTypeFieldOrder {
			sb.WriteString(" ")
			sb.WriteString(fieldName)
			sb.WriteString("=")
			if val, ok := v.UserTypeFields[fieldName]; ok {
				sb.WriteString(val.String())
			} else {
				sb.WriteString("nil")
			}
		}
		sb.WriteString(">")
		return sb.String()
	default:
		return "?"
	}
}

func listToString(v *Value) string {
	var sb strings.Builder
	sb.WriteByte('(')
	first := true
	for !IsNil(v) && IsCell(v) {
		if !first {
			sb.WriteByte(' ')
		}
		first = false
		sb.WriteString(v.Car.String())
		v = v.Cdr
	}
	if !IsNil(v) {
		// Improper list.
		sb.WriteString(" . ")
		sb.WriteString(v.String())
	}
	sb.WriteByte(')')
	return sb.String()
}

func charToString(c rune) string {
	switch c {
	case '\n':
		return "#\\newline"
	case '\t':
		return "#\\tab"
	case '\r':
		return "#\\return"
	case ' ':
		return "#\\space"
	default:
		return fmt.Sprintf("#\\%c", c)
	}
}

// TagName returns the name of a tag.
func TagName(t Tag) string {
	switch t {
	case TInt:
		return "INT"
	case TSym:
		return "SYM"
	case TCell:
		return "CELL"
	case TNil:
		return "NIL"
	case TCode:
		return "CODE"
	case TError:
		return "ERROR"
	case TChar:
		return "CHAR"
	case TFloat:
		return "FLOAT"
	case TBox:
		return "BOX"
	case TChan:
		return "CHAN"
	case TAtom:
		return "ATOM"
	case TThread:
		return "THREAD"
	case TUserType:
		return "USERTYPE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", t)
	}
}
