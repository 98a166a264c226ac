package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrUnknownLabel   = errors.New("unknown label")
	ErrDuplicateLabel = errors.New("duplicate label")
	ErrOperandRange   = errors.New("operand out of range")
)

type labelUse struct {
	label string

	//position of the instruction the offset is relative to.
	insPos int

	//position of the offset in the code.
	at    int
	width int
}

// Builder assembles instructions and resolves branch labels.
// Errors are sticky: the first one is returned by Build.
type Builder struct {
	code   []byte
	labels map[string]int
	uses   []labelUse
	err    error
}

func NewBuilder() *Builder {
	return &Builder{labels: map[string]int{}}
}

func (b *Builder) Pos() int {
	return len(b.code)
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

func (b *Builder) Label(name string) *Builder {
	if _, ok := b.labels[name]; ok {
		return b.fail(fmt.Errorf("%w: %s", ErrDuplicateLabel, name))
	}
	b.labels[name] = len(b.code)
	return b
}

// LabelPos returns the position of a label defined so far.
func (b *Builder) LabelPos(name string) (int, bool) {
	pos, ok := b.labels[name]
	return pos, ok
}

// Op emits an instruction without operand.
func (b *Builder) Op(op Opcode) *Builder {
	if op.Info().Format != NoOperand {
		return b.fail(fmt.Errorf("%s expects an operand", op))
	}
	b.code = append(b.code, byte(op))
	return b
}

// OpArg emits an instruction with an immediate, local index or constant pool index operand.
func (b *Builder) OpArg(op Opcode, operand int) *Builder {
	switch op.Info().Format {
	case SignedByte:
		if operand < math.MinInt8 || operand > math.MaxInt8 {
			return b.fail(fmt.Errorf("%w: %s %d", ErrOperandRange, op, operand))
		}
		b.code = append(b.code, byte(op), byte(int8(operand)))
	case LocalIndex:
		if operand < 0 || operand > math.MaxUint8 {
			return b.fail(fmt.Errorf("%w: %s %d", ErrOperandRange, op, operand))
		}
		b.code = append(b.code, byte(op), byte(operand))
	case PoolIndex:
		if operand < 0 || operand > math.MaxUint16 {
			return b.fail(fmt.Errorf("%w: %s %d", ErrOperandRange, op, operand))
		}
		b.code = append(b.code, byte(op))
		b.code = binary.BigEndian.AppendUint16(b.code, uint16(operand))
	default:
		return b.fail(fmt.Errorf("%s does not take a simple operand", op))
	}
	return b
}

// Branch emits a branch to label.
func (b *Builder) Branch(op Opcode, label string) *Builder {
	if op.Info().Format != BranchOffset {
		return b.fail(fmt.Errorf("%s is not a branch", op))
	}
	insPos := len(b.code)
	b.code = append(b.code, byte(op), 0, 0)
	b.uses = append(b.uses, labelUse{label: label, insPos: insPos, at: insPos + 1, width: 2})
	return b
}

// TableSwitch emits a tableswitch whose keys are low, low+1, ... len(labels)-1.
func (b *Builder) TableSwitch(low int32, defaultLabel string, labels ...string) *Builder {
	if len(labels) == 0 {
		return b.fail(fmt.Errorf("%w: empty tableswitch", ErrInvalidSwitch))
	}
	insPos := len(b.code)
	b.code = append(b.code, byte(OpTableswitch))
	b.appendOffset(insPos, defaultLabel)
	b.code = binary.BigEndian.AppendUint32(b.code, uint32(low))
	b.code = binary.BigEndian.AppendUint32(b.code, uint32(low+int32(len(labels))-1))
	for _, l := range labels {
		b.appendOffset(insPos, l)
	}
	return b
}

// LookupSwitch emits a lookupswitch, keys should be sorted in ascending order.
func (b *Builder) LookupSwitch(defaultLabel string, keys []int32, labels []string) *Builder {
	if len(keys) != len(labels) {
		return b.fail(fmt.Errorf("%w: %d keys and %d labels", ErrInvalidSwitch, len(keys), len(labels)))
	}
	insPos := len(b.code)
	b.code = append(b.code, byte(OpLookupswitch))
	b.appendOffset(insPos, defaultLabel)
	b.code = binary.BigEndian.AppendUint32(b.code, uint32(len(keys)))
	for i, key := range keys {
		b.code = binary.BigEndian.AppendUint32(b.code, uint32(key))
		b.appendOffset(insPos, labels[i])
	}
	return b
}

func (b *Builder) appendOffset(insPos int, label string) {
	b.uses = append(b.uses, labelUse{label: label, insPos: insPos, at: len(b.code), width: 4})
	b.code = append(b.code, 0, 0, 0, 0)
}

// Build resolves the labels and returns the code.
func (b *Builder) Build() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}

	for _, use := range b.uses {
		target, ok := b.labels[use.label]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownLabel, use.label)
		}
		offset := target - use.insPos

		switch use.width {
		case 2:
			if offset < math.MinInt16 || offset > math.MaxInt16 {
				return nil, fmt.Errorf("%w: branch to %s", ErrOperandRange, use.label)
			}
			binary.BigEndian.PutUint16(b.code[use.at:], uint16(int16(offset)))
		case 4:
			binary.BigEndian.PutUint32(b.code[use.at:], uint32(int32(offset)))
		}
	}

	return b.code, nil
}
