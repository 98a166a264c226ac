package bytecode

import "fmt"

// Opcode is the first byte of an instruction.
type Opcode byte

const (
	OpNop Opcode = iota
	OpAconstNull
	OpIconst
	OpLdc
	OpIload
	OpAload
	OpWload
	OpIstore
	OpAstore
	OpWstore
	OpIadd
	OpIsub
	OpImul
	OpPop
	OpDup
	OpSwap
	OpIfeq
	OpIfne
	OpIfIcmplt
	OpIfIcmpge
	OpIfnull
	OpIfnonnull
	OpGoto
	OpTableswitch
	OpLookupswitch
	OpIreturn
	OpAreturn
	OpReturn
	OpAthrow
	OpGetfield
	OpPutfield
	OpGetstatic
	OpPutstatic
	OpNew
	OpCheckcast
	OpInstanceof
	OpInvokevirtual
	OpInvokespecial
	OpInvokestatic
	OpInvokeinterface
	OpMonitorenter
	OpMonitorexit
	OpJsr
	OpRet

	OPCODE_COUNT = int(OpRet) + 1
)

type OperandFormat uint8

const (
	NoOperand    OperandFormat = iota
	SignedByte                 //immediate value
	LocalIndex                 //unsigned byte
	PoolIndex                  //unsigned 16-bit constant pool index
	BranchOffset               //signed 16-bit offset relative to the instruction
	SwitchTable                //variable length
)

type OpcodeFlags uint16

const (
	FlagBranch OpcodeFlags = 1 << iota
	FlagConditional
	FlagSwitch
	FlagReturn
	FlagThrow
	FlagInvoke
	FlagWordType
	FlagSubroutine
)

type OpcodeInfo struct {
	Name   string
	Format OperandFormat
	Flags  OpcodeFlags
}

var opcodeInfos = [OPCODE_COUNT]OpcodeInfo{
	OpNop:             {"nop", NoOperand, 0},
	OpAconstNull:      {"aconst_null", NoOperand, 0},
	OpIconst:          {"iconst", SignedByte, 0},
	OpLdc:             {"ldc", PoolIndex, 0},
	OpIload:           {"iload", LocalIndex, 0},
	OpAload:           {"aload", LocalIndex, 0},
	OpWload:           {"wload", LocalIndex, FlagWordType},
	OpIstore:          {"istore", LocalIndex, 0},
	OpAstore:          {"astore", LocalIndex, 0},
	OpWstore:          {"wstore", LocalIndex, FlagWordType},
	OpIadd:            {"iadd", NoOperand, 0},
	OpIsub:            {"isub", NoOperand, 0},
	OpImul:            {"imul", NoOperand, 0},
	OpPop:             {"pop", NoOperand, 0},
	OpDup:             {"dup", NoOperand, 0},
	OpSwap:            {"swap", NoOperand, 0},
	OpIfeq:            {"ifeq", BranchOffset, FlagBranch | FlagConditional},
	OpIfne:            {"ifne", BranchOffset, FlagBranch | FlagConditional},
	OpIfIcmplt:        {"if_icmplt", BranchOffset, FlagBranch | FlagConditional},
	OpIfIcmpge:        {"if_icmpge", BranchOffset, FlagBranch | FlagConditional},
	OpIfnull:          {"ifnull", BranchOffset, FlagBranch | FlagConditional},
	OpIfnonnull:       {"ifnonnull", BranchOffset, FlagBranch | FlagConditional},
	OpGoto:            {"goto", BranchOffset, FlagBranch},
	OpTableswitch:     {"tableswitch", SwitchTable, FlagSwitch},
	OpLookupswitch:    {"lookupswitch", SwitchTable, FlagSwitch},
	OpIreturn:         {"ireturn", NoOperand, FlagReturn},
	OpAreturn:         {"areturn", NoOperand, FlagReturn},
	OpReturn:          {"return", NoOperand, FlagReturn},
	OpAthrow:          {"athrow", NoOperand, FlagThrow},
	OpGetfield:        {"getfield", PoolIndex, 0},
	OpPutfield:        {"putfield", PoolIndex, 0},
	OpGetstatic:       {"getstatic", PoolIndex, 0},
	OpPutstatic:       {"putstatic", PoolIndex, 0},
	OpNew:             {"new", PoolIndex, 0},
	OpCheckcast:       {"checkcast", PoolIndex, 0},
	OpInstanceof:      {"instanceof", PoolIndex, 0},
	OpInvokevirtual:   {"invokevirtual", PoolIndex, FlagInvoke},
	OpInvokespecial:   {"invokespecial", PoolIndex, FlagInvoke},
	OpInvokestatic:    {"invokestatic", PoolIndex, FlagInvoke},
	OpInvokeinterface: {"invokeinterface", PoolIndex, FlagInvoke},
	OpMonitorenter:    {"monitorenter", NoOperand, 0},
	OpMonitorexit:     {"monitorexit", NoOperand, 0},
	OpJsr:             {"jsr", BranchOffset, FlagBranch | FlagSubroutine},
	OpRet:             {"ret", LocalIndex, FlagSubroutine},
}

var opcodesByName = map[string]Opcode{}

func init() {
	for i, info := range opcodeInfos {
		opcodesByName[info.Name] = Opcode(i)
	}
}

func (op Opcode) Valid() bool {
	return int(op) < OPCODE_COUNT
}

func (op Opcode) Info() OpcodeInfo {
	if !op.Valid() {
		panic(fmt.Errorf("%w: %d", ErrUnknownOpcode, op))
	}
	return opcodeInfos[op]
}

func (op Opcode) String() string {
	if !op.Valid() {
		return fmt.Sprintf("opcode(%d)", byte(op))
	}
	return opcodeInfos[op].Name
}

func (op Opcode) Is(flags OpcodeFlags) bool {
	return op.Valid() && opcodeInfos[op].Flags&flags != 0
}

// EndsBlock reports whether the instruction following op (if any) starts a new basic block.
func (op Opcode) EndsBlock() bool {
	return op.Is(FlagBranch | FlagSwitch | FlagReturn | FlagThrow)
}

// FallsThrough reports whether control can continue to the next instruction.
func (op Opcode) FallsThrough() bool {
	if op.Is(FlagConditional) {
		return true
	}
	return !op.EndsBlock()
}

func OpcodeByName(name string) (Opcode, bool) {
	op, ok := opcodesByName[name]
	return op, ok
}
