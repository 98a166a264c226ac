package bytecode

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrSyntax = errors.New("syntax error")
)

// Assemble assembles a textual listing, one instruction or label per line:
//
//	loop:
//	  aload 0
//	  ifnull done
//	  tableswitch 0 default:done a b
//	  lookupswitch default:done 1:a 10:b
//	done:
//	  return
//
// Text following '#' is ignored. The positions of the labels are returned with the code.
func Assemble(src string) ([]byte, map[string]int, error) {
	b := NewBuilder()

	for lineIndex, line := range strings.Split(src, "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		if err := assembleLine(b, fields); err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", lineIndex+1, err)
		}
	}

	code, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	return code, b.labels, nil
}

func assembleLine(b *Builder, fields []string) error {
	if len(fields) == 1 && strings.HasSuffix(fields[0], ":") {
		b.Label(strings.TrimSuffix(fields[0], ":"))
		return b.err
	}

	op, ok := OpcodeByName(fields[0])
	if !ok {
		return fmt.Errorf("%w: unknown instruction %q", ErrSyntax, fields[0])
	}
	args := fields[1:]

	switch op.Info().Format {
	case NoOperand:
		if len(args) != 0 {
			return fmt.Errorf("%w: %s takes no operand", ErrSyntax, op)
		}
		b.Op(op)
	case SignedByte, LocalIndex, PoolIndex:
		if len(args) != 1 {
			return fmt.Errorf("%w: %s takes one operand", ErrSyntax, op)
		}
		operand, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("%w: invalid operand %q", ErrSyntax, args[0])
		}
		b.OpArg(op, operand)
	case BranchOffset:
		if len(args) != 1 {
			return fmt.Errorf("%w: %s takes a label", ErrSyntax, op)
		}
		b.Branch(op, args[0])
	case SwitchTable:
		if err := assembleSwitch(b, op, args); err != nil {
			return err
		}
	}
	return b.err
}

func assembleSwitch(b *Builder, op Opcode, args []string) error {
	if op == OpTableswitch {
		if len(args) < 3 {
			return fmt.Errorf("%w: tableswitch <low> default:<label> <label>...", ErrSyntax)
		}
		low, err := strconv.ParseInt(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("%w: invalid low key %q", ErrSyntax, args[0])
		}
		defaultLabel, ok := strings.CutPrefix(args[1], "default:")
		if !ok {
			return fmt.Errorf("%w: missing default label", ErrSyntax)
		}
		b.TableSwitch(int32(low), defaultLabel, args[2:]...)
		return nil
	}

	if len(args) < 1 {
		return fmt.Errorf("%w: lookupswitch default:<label> <key>:<label>...", ErrSyntax)
	}
	defaultLabel, ok := strings.CutPrefix(args[0], "default:")
	if !ok {
		return fmt.Errorf("%w: missing default label", ErrSyntax)
	}

	var keys []int32
	var labels []string
	for _, pair := range args[1:] {
		keyStr, label, ok := strings.Cut(pair, ":")
		if !ok {
			return fmt.Errorf("%w: invalid pair %q", ErrSyntax, pair)
		}
		key, err := strconv.ParseInt(keyStr, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: invalid key %q", ErrSyntax, keyStr)
		}
		keys = append(keys, int32(key))
		labels = append(labels, label)
	}
	b.LookupSwitch(defaultLabel, keys, labels)
	return nil
}
