package target

import (
	"errors"
	"fmt"
	"slices"

	"github.com/inoxlang/tjit/internal/template"
)

var (
	ErrUnknownPlatform = errors.New("unknown platform")
)

// A Platform gives the sizes of the instructions that matter to the translator and the deoptimizer.
type Platform struct {
	Name             string
	WordSize         int
	DirectCallSize   int
	IndirectCallSize int
	SafepointSize    int

	// TrapInstruction is written over the code to make a method deoptimizable.
	TrapInstruction []byte

	// number of callee-saved registers, the width of the register reference maps.
	CalleeSavedRegisters int

	// register holding the result of a call.
	ReturnRegister int
}

var (
	AMD64 = Platform{
		Name:                 "amd64",
		WordSize:             8,
		DirectCallSize:       5,
		IndirectCallSize:     3,
		SafepointSize:        2,
		TrapInstruction:      []byte{0x0f, 0x0b}, //ud2
		CalleeSavedRegisters: 16,
		ReturnRegister:       0,
	}

	AArch64 = Platform{
		Name:                 "aarch64",
		WordSize:             8,
		DirectCallSize:       4,
		IndirectCallSize:     4,
		SafepointSize:        4,
		TrapInstruction:      []byte{0x00, 0x00, 0x20, 0xd4}, //brk #0
		CalleeSavedRegisters: 31,
		ReturnRegister:       0,
	}

	platforms = []Platform{AMD64, AArch64}
)

func PlatformByName(name string) (Platform, error) {
	for _, p := range platforms {
		if p.Name == name {
			return p, nil
		}
	}
	return Platform{}, fmt.Errorf("%w: %q", ErrUnknownPlatform, name)
}

func PlatformNames() []string {
	var names []string
	for _, p := range platforms {
		names = append(names, p.Name)
	}
	slices.Sort(names)
	return names
}

func (p Platform) TrapSize() int {
	return len(p.TrapInstruction)
}

// TemplateShape returns the instruction sizes of the synthetic templates of the platform.
func (p Platform) TemplateShape() template.Shape {
	return template.Shape{
		DirectCallSize:   p.DirectCallSize,
		IndirectCallSize: p.IndirectCallSize,
		SafepointSize:    p.SafepointSize,
	}
}

func (p Platform) Validate() error {
	if p.SafepointSize < p.TrapSize() {
		return fmt.Errorf("%s: the trap instruction does not fit in a safepoint poll", p.Name)
	}
	if p.CalleeSavedRegisters > 32 || p.ReturnRegister >= p.CalleeSavedRegisters {
		return fmt.Errorf("%s: invalid register configuration", p.Name)
	}
	return nil
}
