package bytecode

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/inoxlang/tjit/internal/utils"
)

const (
	METHOD_FILE_EXTENSION = ".tjit.yaml"
)

// MethodsFile is the YAML description of a set of methods, see ParseMethodsFile.
type MethodsFile struct {
	Methods []MethodDesc `yaml:"methods"`
}

type MethodDesc struct {
	Holder       string        `yaml:"holder"`
	Name         string        `yaml:"name"`
	Static       bool          `yaml:"static"`
	Synchronized bool          `yaml:"synchronized"`
	Params       []string      `yaml:"params"`
	Result       string        `yaml:"result"`
	MaxLocals    int           `yaml:"max-locals"`
	MaxStack     int           `yaml:"max-stack"`
	Code         string        `yaml:"code"`
	Handlers     []HandlerDesc `yaml:"handlers"`
	Pool         []PoolDesc    `yaml:"pool"`
}

// HandlerDesc refers to labels of the code.
type HandlerDesc struct {
	Start   string `yaml:"start"`
	End     string `yaml:"end"`
	Handler string `yaml:"handler"`
	Catch   string `yaml:"catch"`
}

type PoolDesc struct {
	Kind         string   `yaml:"kind"`
	Holder       string   `yaml:"holder"`
	Name         string   `yaml:"name"`
	Type         string   `yaml:"type"`
	Params       []string `yaml:"params"`
	Result       string   `yaml:"result"`
	Static       bool     `yaml:"static"`
	Interface    bool     `yaml:"interface"`
	Value        int32    `yaml:"value"`
	String       string   `yaml:"string"`
	Loaded       bool     `yaml:"loaded"`
	Initialized  bool     `yaml:"initialized"`
	FieldOffset  int      `yaml:"field-offset"`
	VTableIndex  int      `yaml:"vtable-index"`
	LinkageError string   `yaml:"linkage-error"`
}

func ReadMethodsFile(path string) ([]*Method, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	methods, err := ParseMethodsFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return methods, nil
}

func ParseMethodsFile(data []byte) ([]*Method, error) {
	var file MethodsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	methods := make([]*Method, 0, len(file.Methods))
	var errs []error

	for _, desc := range file.Methods {
		m, err := desc.toMethod()
		if err != nil {
			errs = append(errs, fmt.Errorf("method %s.%s: %w", desc.Holder, desc.Name, err))
			continue
		}
		methods = append(methods, m)
	}

	if err := utils.CombineErrors(errs...); err != nil {
		return nil, err
	}
	return methods, nil
}

func (desc MethodDesc) toMethod() (*Method, error) {
	sig, err := parseSignature(desc.Params, desc.Result)
	if err != nil {
		return nil, err
	}

	code, labels, err := Assemble(desc.Code)
	if err != nil {
		return nil, err
	}

	label := func(name string) (int, error) {
		pos, ok := labels[name]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownLabel, name)
		}
		return pos, nil
	}

	var handlers []ExceptionHandler
	for _, h := range desc.Handlers {
		start, err := label(h.Start)
		if err != nil {
			return nil, err
		}
		end, err := label(h.End)
		if err != nil {
			return nil, err
		}
		handler, err := label(h.Handler)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, ExceptionHandler{Start: start, End: end, Handler: handler, CatchType: h.Catch})
	}

	entries := make([]PoolEntry, 0, len(desc.Pool))
	for i, p := range desc.Pool {
		entry, err := p.toEntry()
		if err != nil {
			return nil, fmt.Errorf("pool entry %d: %w", i, err)
		}
		entries = append(entries, entry)
	}

	return &Method{
		Holder:       desc.Holder,
		Name:         desc.Name,
		Signature:    sig,
		Static:       desc.Static,
		Synchronized: desc.Synchronized,
		MaxLocals:    desc.MaxLocals,
		MaxStack:     desc.MaxStack,
		Code:         code,
		Handlers:     handlers,
		Pool:         NewPool(entries...),
	}, nil
}

func (p PoolDesc) toEntry() (PoolEntry, error) {
	kind, err := ParseSymbolKind(p.Kind)
	if err != nil {
		return PoolEntry{}, err
	}

	sym := Symbol{
		Kind:        kind,
		Holder:      p.Holder,
		Name:        p.Name,
		Static:      p.Static,
		Interface:   p.Interface,
		IntValue:    p.Value,
		StringValue: p.String,
	}

	switch kind {
	case SymField:
		sym.Type, err = ParseKind(p.Type)
		if err != nil {
			return PoolEntry{}, err
		}
	case SymMethod:
		sym.Signature, err = parseSignature(p.Params, p.Result)
		if err != nil {
			return PoolEntry{}, err
		}
	}

	return PoolEntry{
		Symbol:       sym,
		Loaded:       p.Loaded,
		Initialized:  p.Initialized,
		FieldOffset:  p.FieldOffset,
		VTableIndex:  p.VTableIndex,
		LinkageError: p.LinkageError,
	}, nil
}

func parseSignature(params []string, result string) (Signature, error) {
	sig := Signature{Result: KindVoid}
	for _, p := range params {
		kind, err := ParseKind(p)
		if err != nil {
			return Signature{}, err
		}
		sig.Params = append(sig.Params, kind)
	}
	if result != "" {
		kind, err := ParseKind(result)
		if err != nil {
			return Signature{}, err
		}
		sig.Result = kind
	}
	return sig, nil
}
