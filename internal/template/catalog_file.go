package template

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/goccy/go-yaml"
	"github.com/inoxlang/tjit/internal/bytecode"
	"github.com/inoxlang/tjit/internal/memds"
	"github.com/inoxlang/tjit/internal/stops"
	"github.com/inoxlang/tjit/internal/utils"
)

const (
	CATALOG_FORMAT_VERSION   = "1.1.0"
	SUPPORTED_CATALOG_FORMAT = "^1.0"
)

var (
	ErrUnsupportedCatalogFormat = errors.New("unsupported catalog format")
	ErrInvalidCatalog           = errors.New("invalid catalog")

	supportedCatalogFormat = utils.Must(semver.NewConstraint(SUPPORTED_CATALOG_FORMAT))
)

// CatalogFile is the YAML description of a template catalog.
type CatalogFile struct {
	FormatVersion string         `yaml:"format-version"`
	Templates     []TemplateDesc `yaml:"templates"`
}

type TemplateDesc struct {
	Op       string     `yaml:"op"`
	Selector string     `yaml:"selector"`
	Code     string     `yaml:"code"` //hexadecimal
	Slots    []SlotDesc `yaml:"slots,omitempty"`
	Stops    []StopDesc `yaml:"stops,omitempty"`
}

type SlotDesc struct {
	Kind   string `yaml:"kind"`
	Offset int    `yaml:"offset"`
}

type StopDesc struct {
	Kind             string `yaml:"kind"`
	Offset           int    `yaml:"offset"`
	Size             int    `yaml:"size,omitempty"`
	Callee           string `yaml:"callee,omitempty"`
	Runtime          bool   `yaml:"runtime,omitempty"`
	ResultIsRef      bool   `yaml:"result-is-ref,omitempty"`
	BindCallSite     bool   `yaml:"bind-call-site,omitempty"`
	TemplateRefSlots []int  `yaml:"template-ref-slots,omitempty"`
	Registers        []int  `yaml:"registers,omitempty"`
}

func ReadCatalogFile(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lib, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return lib, nil
}

// ParseCatalog parses a YAML catalog, all invalid templates are reported.
func ParseCatalog(data []byte) (*Library, error) {
	var file CatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	version, err := semver.NewVersion(file.FormatVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid format version %q", ErrUnsupportedCatalogFormat, file.FormatVersion)
	}
	if !supportedCatalogFormat.Check(version) {
		return nil, fmt.Errorf("%w: version %s does not satisfy %s", ErrUnsupportedCatalogFormat, version, SUPPORTED_CATALOG_FORMAT)
	}

	lib := NewLibrary()
	var errs []error
	for i, desc := range file.Templates {
		t, err := desc.toTemplate()
		if err == nil {
			err = lib.Add(t)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("template %d: %w", i, err))
		}
	}

	if err := utils.CombineErrors(errs...); err != nil {
		return nil, err
	}
	return lib, nil
}

func (d TemplateDesc) toTemplate() (*Template, error) {
	op, ok := ParseOpcode(d.Op)
	if !ok {
		return nil, fmt.Errorf("%w: unknown opcode %q", ErrInvalidCatalog, d.Op)
	}
	selector := NoAssumption
	if d.Selector != "" {
		var err error
		selector, err = ParseSelector(d.Selector)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCatalog, err)
		}
	}

	code, err := hex.DecodeString(d.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: code of %s: %w", ErrInvalidCatalog, d.Op, err)
	}

	t := &Template{Tag: Tag{Op: op, Selector: selector}, Code: code}

	for _, slotDesc := range d.Slots {
		kind, err := ParseSlotKind(slotDesc.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCatalog, err)
		}
		t.Slots = append(t.Slots, Slot{Kind: kind, Offset: slotDesc.Offset})
	}

	for _, stopDesc := range d.Stops {
		stop, err := stopDesc.toStop()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidCatalog, t.Tag, err)
		}
		t.Stops = append(t.Stops, stop)
	}
	return t, nil
}

func (d StopDesc) toStop() (stops.Stop, error) {
	var stop stops.Stop
	switch d.Kind {
	case stops.DirectCall.String():
		stop = stops.NewDirectCall(d.Offset, d.Size, stops.Callee(d.Callee), d.Runtime, d.ResultIsRef)
	case stops.IndirectCall.String():
		stop = stops.NewIndirectCall(d.Offset, d.Size, d.ResultIsRef)
	case stops.Safepoint.String():
		var registers memds.BitSet32
		for _, reg := range d.Registers {
			if reg < 0 || reg > 31 {
				return stops.Stop{}, fmt.Errorf("register %d out of range", reg)
			}
			registers.Set(memds.Bit32Index(reg))
		}
		stop = stops.NewSafepoint(d.Offset, registers)
	default:
		return stops.Stop{}, fmt.Errorf("unknown stop kind %q", d.Kind)
	}
	stop.BindCallSite = d.BindCallSite
	stop.TemplateRefSlots = d.TemplateRefSlots
	return stop, nil
}

// MarshalCatalog serializes the templates of a library to the YAML catalog format.
func MarshalCatalog(lib *Library) ([]byte, error) {
	file := CatalogFile{FormatVersion: CATALOG_FORMAT_VERSION}

	for _, t := range lib.Templates() {
		desc := TemplateDesc{
			Op:       OpcodeName(t.Tag.Op),
			Selector: t.Tag.Selector.String(),
			Code:     hex.EncodeToString(t.Code),
		}
		for _, slot := range t.Slots {
			desc.Slots = append(desc.Slots, SlotDesc{Kind: slot.Kind.String(), Offset: slot.Offset})
		}
		for _, stop := range t.Stops {
			stopDesc := StopDesc{
				Kind:             stop.Kind.String(),
				Offset:           stop.Pos,
				Size:             stop.CallSize,
				Callee:           string(stop.Callee),
				Runtime:          stop.RuntimeCall,
				ResultIsRef:      stop.ResultIsRef,
				BindCallSite:     stop.BindCallSite,
				TemplateRefSlots: stop.TemplateRefSlots,
			}
			stop.RegisterMap.ForEachSet(func(index memds.Bit32Index) error {
				stopDesc.Registers = append(stopDesc.Registers, int(index))
				return nil
			})
			desc.Stops = append(desc.Stops, stopDesc)
		}
		file.Templates = append(file.Templates, desc)
	}

	return yaml.Marshal(file)
}

// Chain returns a catalog that looks up the templates in the catalogs in order.
func Chain(catalogs ...Catalog) Catalog {
	return chain(catalogs)
}

type chain []Catalog

func (c chain) Lookup(op bytecode.Opcode, selector Selector) (*Template, bool) {
	for _, catalog := range c {
		if t, ok := catalog.Lookup(op, selector); ok {
			return t, true
		}
	}
	return nil, false
}

// Pregenerate generates the templates of every opcode and selector so that they appear in Templates.
func (l *Library) Pregenerate() {
	for op := 0; op < bytecode.OPCODE_COUNT; op++ {
		for sel := Selector(0); sel < SELECTOR_COUNT; sel++ {
			l.Lookup(bytecode.Opcode(op), sel)
		}
	}
	for op := range pseudoOpcodeNames {
		l.Lookup(op, NoAssumption)
	}
}
