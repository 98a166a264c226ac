package bytecode

import (
	"errors"
	"fmt"
)

var (
	ErrPoolIndexOutOfBounds = errors.New("constant pool index out of bounds")
	ErrNotLoaded            = errors.New("holder is not loaded")
	ErrLinkage              = errors.New("linkage error")
)

type SymbolKind uint8

const (
	SymIntConstant SymbolKind = iota + 1
	SymStringConstant
	SymClass
	SymField
	SymMethod
)

var symbolKindNames = [...]string{
	SymIntConstant:    "int",
	SymStringConstant: "string",
	SymClass:          "class",
	SymField:          "field",
	SymMethod:         "method",
}

func (k SymbolKind) String() string {
	if int(k) < len(symbolKindNames) && symbolKindNames[k] != "" {
		return symbolKindNames[k]
	}
	return fmt.Sprintf("symbol-kind(%d)", k)
}

func ParseSymbolKind(s string) (SymbolKind, error) {
	for i, name := range symbolKindNames {
		if name != "" && name == s {
			return SymbolKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown symbol kind %q", s)
}

// A Symbol is the unresolved description of a constant pool entry.
type Symbol struct {
	Kind   SymbolKind
	Holder string
	Name   string

	//fields: type of the field, constants: kind of the constant.
	Type Kind

	//methods
	Signature Signature
	Interface bool

	Static bool

	IntValue    int32
	StringValue string
}

func (s Symbol) String() string {
	switch s.Kind {
	case SymIntConstant:
		return fmt.Sprintf("int %d", s.IntValue)
	case SymStringConstant:
		return fmt.Sprintf("string %q", s.StringValue)
	case SymClass:
		return "class " + s.Holder
	case SymField:
		return fmt.Sprintf("field %s.%s:%s", s.Holder, s.Name, s.Type)
	case SymMethod:
		return fmt.Sprintf("method %s.%s%s", s.Holder, s.Name, s.Signature)
	}
	return s.Kind.String()
}

// UsesWordType reports whether the symbol exposes a raw pointer or machine word.
func (s Symbol) UsesWordType() bool {
	switch s.Kind {
	case SymField:
		return s.Type == KindWord
	case SymMethod:
		return s.Signature.HasWordType()
	}
	return false
}

// ArgumentSlots returns the number of operand stack slots popped by an invocation of a method symbol.
func (s Symbol) ArgumentSlots(receiver bool) int {
	n := len(s.Signature.Params)
	if receiver {
		n++
	}
	return n
}

// A Binding is the result of a successful resolution.
type Binding struct {
	FieldOffset       int
	VTableIndex       int
	HolderInitialized bool

	//object placed in the reference literal pool: class, string, static tuple.
	Literal any

	Callee string
}

// Resolution is either a Binding or the reason why the symbol is not resolved.
type Resolution struct {
	binding  Binding
	resolved bool
	cause    error
}

func Resolved(b Binding) Resolution {
	return Resolution{binding: b, resolved: true}
}

func Unresolved(cause error) Resolution {
	return Resolution{cause: cause}
}

func (r Resolution) Binding() (Binding, bool) {
	return r.binding, r.resolved
}

func (r Resolution) Cause() error {
	return r.cause
}

// ConstantPool is implemented by the class model, it is read-only and can be shared by concurrent translations.
type ConstantPool interface {
	Len() int

	Symbol(index int) (Symbol, error)

	// IsResolvableWithoutLoading reports whether resolving the entry would not trigger class loading.
	IsResolvableWithoutLoading(index int) bool

	Resolve(index int) Resolution
}

// PoolEntry is an entry of a Pool.
type PoolEntry struct {
	Symbol

	Loaded       bool
	Initialized  bool
	FieldOffset  int
	VTableIndex  int
	LinkageError string
}

// Pool is an in-memory ConstantPool.
type Pool struct {
	entries []PoolEntry
}

func NewPool(entries ...PoolEntry) *Pool {
	return &Pool{entries: entries}
}

func (p *Pool) Len() int {
	return len(p.entries)
}

func (p *Pool) entry(index int) (PoolEntry, error) {
	if index < 0 || index >= len(p.entries) {
		return PoolEntry{}, fmt.Errorf("%w: %d", ErrPoolIndexOutOfBounds, index)
	}
	return p.entries[index], nil
}

func (p *Pool) Symbol(index int) (Symbol, error) {
	e, err := p.entry(index)
	if err != nil {
		return Symbol{}, err
	}
	return e.Symbol, nil
}

func (p *Pool) IsResolvableWithoutLoading(index int) bool {
	e, err := p.entry(index)
	if err != nil {
		return false
	}
	switch e.Kind {
	case SymIntConstant, SymStringConstant:
		return true
	}
	return e.Loaded
}

func (p *Pool) Resolve(index int) Resolution {
	e, err := p.entry(index)
	if err != nil {
		return Unresolved(err)
	}

	switch e.Kind {
	case SymIntConstant:
		return Resolved(Binding{HolderInitialized: true})
	case SymStringConstant:
		return Resolved(Binding{HolderInitialized: true, Literal: e.StringValue})
	}

	if e.LinkageError != "" {
		return Unresolved(fmt.Errorf("%w: %s: %s", ErrLinkage, e.Symbol, e.LinkageError))
	}
	if !e.Loaded {
		return Unresolved(fmt.Errorf("%w: %s", ErrNotLoaded, e.Symbol))
	}

	binding := Binding{
		FieldOffset:       e.FieldOffset,
		VTableIndex:       e.VTableIndex,
		HolderInitialized: e.Initialized,
	}

	switch e.Kind {
	case SymClass:
		binding.Literal = ClassLiteral(e.Holder)
	case SymField:
		if e.Static {
			binding.Literal = StaticTupleLiteral(e.Holder)
		}
	case SymMethod:
		binding.Callee = e.Holder + "." + e.Name + e.Signature.String()
	}
	return Resolved(binding)
}

// ClassLiteral is the literal placed in the reference literal pool for a resolved class.
type ClassLiteral string

// StaticTupleLiteral is the literal holding the static fields of a class.
type StaticTupleLiteral string
