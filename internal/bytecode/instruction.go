package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrUnknownOpcode        = errors.New("unknown opcode")
	ErrTruncatedInstruction = errors.New("truncated instruction")
	ErrBranchOutOfBounds    = errors.New("branch target out of bounds")
	ErrInvalidSwitch        = errors.New("invalid switch")
)

const (
	MAX_SWITCH_ENTRIES = 1 << 16
)

// Instruction is a decoded instruction.
type Instruction struct {
	Pos int
	Op  Opcode
	Len int

	//immediate value, local index or constant pool index, depending on the operand format.
	Operand int

	//absolute target of a branch.
	Target int

	//switches
	Default int
	Low     int32 //tableswitch only
	Keys    []int32
	Targets []int
}

func (ins Instruction) NextPos() int {
	return ins.Pos + ins.Len
}

// BranchTargets returns the absolute targets of a branch or switch, the default target of a switch comes first.
func (ins Instruction) BranchTargets() []int {
	switch {
	case ins.Op.Is(FlagBranch):
		return []int{ins.Target}
	case ins.Op.Is(FlagSwitch):
		targets := make([]int, 0, len(ins.Targets)+1)
		targets = append(targets, ins.Default)
		return append(targets, ins.Targets...)
	}
	return nil
}

func (ins Instruction) String() string {
	info := ins.Op.Info()
	switch info.Format {
	case NoOperand:
		return fmt.Sprintf("%d: %s", ins.Pos, info.Name)
	case BranchOffset:
		return fmt.Sprintf("%d: %s %d", ins.Pos, info.Name, ins.Target)
	case SwitchTable:
		return fmt.Sprintf("%d: %s default=%d targets=%v", ins.Pos, info.Name, ins.Default, ins.Targets)
	default:
		return fmt.Sprintf("%d: %s %d", ins.Pos, info.Name, ins.Operand)
	}
}

// Decode decodes the instruction at pos.
//
// Layout: the opcode byte is followed by its operand. Multi-byte values are big-endian. Branch offsets
// are relative to the position of the instruction. Switch layouts:
//
//	tableswitch:  default:s32 low:s32 high:s32 offsets:s32[high-low+1]
//	lookupswitch: default:s32 npairs:s32 (key:s32 offset:s32)[npairs]
func Decode(code []byte, pos int) (Instruction, error) {
	if pos < 0 || pos >= len(code) {
		return Instruction{}, fmt.Errorf("%w: position %d", ErrTruncatedInstruction, pos)
	}

	op := Opcode(code[pos])
	if !op.Valid() {
		return Instruction{}, fmt.Errorf("%w: %d at %d", ErrUnknownOpcode, code[pos], pos)
	}

	ins := Instruction{Pos: pos, Op: op}
	operandStart := pos + 1

	need := func(n int) error {
		if operandStart+n > len(code) {
			return fmt.Errorf("%w: %s at %d", ErrTruncatedInstruction, op, pos)
		}
		return nil
	}

	switch op.Info().Format {
	case NoOperand:
		ins.Len = 1
	case SignedByte:
		if err := need(1); err != nil {
			return Instruction{}, err
		}
		ins.Operand = int(int8(code[operandStart]))
		ins.Len = 2
	case LocalIndex:
		if err := need(1); err != nil {
			return Instruction{}, err
		}
		ins.Operand = int(code[operandStart])
		ins.Len = 2
	case PoolIndex:
		if err := need(2); err != nil {
			return Instruction{}, err
		}
		ins.Operand = int(binary.BigEndian.Uint16(code[operandStart:]))
		ins.Len = 3
	case BranchOffset:
		if err := need(2); err != nil {
			return Instruction{}, err
		}
		ins.Target = pos + int(int16(binary.BigEndian.Uint16(code[operandStart:])))
		ins.Len = 3
	case SwitchTable:
		if err := decodeSwitch(code, &ins); err != nil {
			return Instruction{}, err
		}
	}

	for _, target := range ins.BranchTargets() {
		if target < 0 || target >= len(code) {
			return Instruction{}, fmt.Errorf("%w: %s at %d targets %d", ErrBranchOutOfBounds, op, pos, target)
		}
	}

	return ins, nil
}

func decodeSwitch(code []byte, ins *Instruction) error {
	cursor := ins.Pos + 1

	readS32 := func() (int32, error) {
		if cursor+4 > len(code) {
			return 0, fmt.Errorf("%w: %s at %d", ErrTruncatedInstruction, ins.Op, ins.Pos)
		}
		v := int32(binary.BigEndian.Uint32(code[cursor:]))
		cursor += 4
		return v, nil
	}

	defaultOffset, err := readS32()
	if err != nil {
		return err
	}
	ins.Default = ins.Pos + int(defaultOffset)

	switch ins.Op {
	case OpTableswitch:
		low, err := readS32()
		if err != nil {
			return err
		}
		high, err := readS32()
		if err != nil {
			return err
		}
		if high < low || int64(high)-int64(low) >= MAX_SWITCH_ENTRIES {
			return fmt.Errorf("%w: tableswitch at %d has bounds [%d, %d]", ErrInvalidSwitch, ins.Pos, low, high)
		}
		ins.Low = low
		count := int(high-low) + 1
		ins.Targets = make([]int, count)
		ins.Keys = make([]int32, count)
		for i := 0; i < count; i++ {
			offset, err := readS32()
			if err != nil {
				return err
			}
			ins.Keys[i] = low + int32(i)
			ins.Targets[i] = ins.Pos + int(offset)
		}
	case OpLookupswitch:
		npairs, err := readS32()
		if err != nil {
			return err
		}
		if npairs < 0 || npairs >= MAX_SWITCH_ENTRIES {
			return fmt.Errorf("%w: lookupswitch at %d has %d pairs", ErrInvalidSwitch, ins.Pos, npairs)
		}
		ins.Keys = make([]int32, npairs)
		ins.Targets = make([]int, npairs)
		for i := 0; i < int(npairs); i++ {
			key, err := readS32()
			if err != nil {
				return err
			}
			offset, err := readS32()
			if err != nil {
				return err
			}
			if i > 0 && key <= ins.Keys[i-1] {
				return fmt.Errorf("%w: lookupswitch at %d has unsorted keys", ErrInvalidSwitch, ins.Pos)
			}
			ins.Keys[i] = key
			ins.Targets[i] = ins.Pos + int(offset)
		}
	}

	ins.Len = cursor - ins.Pos
	return nil
}

// ForEachInstruction decodes the instructions of code in order and calls fn for each of them.
func ForEachInstruction(code []byte, fn func(ins Instruction) error) error {
	pos := 0
	for pos < len(code) {
		ins, err := Decode(code, pos)
		if err != nil {
			return err
		}
		if err := fn(ins); err != nil {
			return err
		}
		pos = ins.NextPos()
	}
	return nil
}

// DecodeAll returns all the instructions of code.
func DecodeAll(code []byte) ([]Instruction, error) {
	var instructions []Instruction
	err := ForEachInstruction(code, func(ins Instruction) error {
		instructions = append(instructions, ins)
		return nil
	})
	return instructions, err
}
