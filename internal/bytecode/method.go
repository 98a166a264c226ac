package bytecode

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownKind    = errors.New("unknown kind")
	ErrInvalidMethod  = errors.New("invalid method")
	ErrInvalidHandler = errors.New("invalid exception handler")
)

// Kind is the kind of a value held in a single local variable or operand stack slot.
type Kind uint8

const (
	KindVoid Kind = iota
	KindInt
	KindRef
	KindWord //raw pointer or machine word, not supported by the JIT
)

var kindNames = [...]string{
	KindVoid: "void",
	KindInt:  "int",
	KindRef:  "ref",
	KindWord: "word",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

func (k Kind) IsRef() bool {
	return k == KindRef
}

func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

type Signature struct {
	Params []Kind
	Result Kind
}

func (s Signature) HasWordType() bool {
	if s.Result == KindWord {
		return true
	}
	for _, p := range s.Params {
		if p == KindWord {
			return true
		}
	}
	return false
}

func (s Signature) String() string {
	params := make([]string, len(s.Params))
	for i, p := range s.Params {
		params[i] = p.String()
	}
	return "(" + strings.Join(params, ",") + ")" + s.Result.String()
}

// ExceptionHandler covers the bytecode range [Start, End).
// An empty CatchType catches any exception.
type ExceptionHandler struct {
	Start, End int
	Handler    int
	CatchType  string
}

func (h ExceptionHandler) Covers(pos int) bool {
	return pos >= h.Start && pos < h.End
}

// A Method is an immutable bytecode program and its side tables.
type Method struct {
	Holder       string
	Name         string
	Signature    Signature
	Static       bool
	Synchronized bool

	MaxLocals int
	MaxStack  int
	Code      []byte
	Handlers  []ExceptionHandler
	Pool      ConstantPool
}

func (m *Method) String() string {
	return m.Holder + "." + m.Name + m.Signature.String()
}

// EntryLocals returns the kinds of the local variables holding the receiver and the parameters at method entry.
func (m *Method) EntryLocals() []Kind {
	locals := make([]Kind, 0, len(m.Signature.Params)+1)
	if !m.Static {
		locals = append(locals, KindRef)
	}
	return append(locals, m.Signature.Params...)
}

// ArgumentSlots returns the number of operand stack slots consumed by a call to the method.
func (m *Method) ArgumentSlots() int {
	return len(m.EntryLocals())
}

// Validate checks the structural properties of the method that do not depend on the instructions.
func (m *Method) Validate() error {
	if len(m.Code) == 0 {
		return fmt.Errorf("%w: %s has no code", ErrInvalidMethod, m)
	}
	if m.MaxLocals < len(m.EntryLocals()) {
		return fmt.Errorf("%w: %s has %d locals but %d parameter slots", ErrInvalidMethod, m, m.MaxLocals, len(m.EntryLocals()))
	}
	if m.MaxStack < 0 || m.MaxLocals > 255 {
		return fmt.Errorf("%w: %s has invalid frame dimensions", ErrInvalidMethod, m)
	}
	if len(m.Handlers) > 0 && m.MaxStack < 1 {
		return fmt.Errorf("%w: %s has exception handlers but no operand stack", ErrInvalidMethod, m)
	}
	if m.Pool == nil {
		return fmt.Errorf("%w: %s has no constant pool", ErrInvalidMethod, m)
	}
	for i, h := range m.Handlers {
		if h.Start < 0 || h.Start >= h.End || h.End > len(m.Code) || h.Handler < 0 || h.Handler >= len(m.Code) {
			return fmt.Errorf("%w: handler %d of %s: [%d, %d) -> %d", ErrInvalidHandler, i, m, h.Start, h.End, h.Handler)
		}
	}
	return nil
}

// HandlersActiveAt returns the handlers covering pos, in table order.
func (m *Method) HandlersActiveAt(pos int) []ExceptionHandler {
	var active []ExceptionHandler
	for _, h := range m.Handlers {
		if h.Covers(pos) {
			active = append(active, h)
		}
	}
	return active
}
