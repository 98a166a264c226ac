package deopt

import (
	"fmt"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"github.com/inoxlang/tjit/internal/target"
)

// Word is the content of a stack slot or of a register.
type Word = uint64

type FrameKind uint8

const (
	OptimizedFrame FrameKind = iota + 1
	JITFrame
	// adapter frames convert between the calling conventions of optimized and JIT code.
	AdapterFrame
)

func (k FrameKind) String() string {
	switch k {
	case OptimizedFrame:
		return "optimized"
	case JITFrame:
		return "jit"
	case AdapterFrame:
		return "adapter"
	}
	return fmt.Sprintf("frame(%d)", k)
}

const (
	// ADAPTER_FRAME_SIZE is the number of words of an adapter frame: the return address and the argument count.
	ADAPTER_FRAME_SIZE = 2

	// ADAPTER_STUB_ADDRESS is the address of the code of the adapter frames, it is below the code space.
	ADAPTER_STUB_ADDRESS uint64 = 0x100
)

// A Frame is a window of the stack memory.
type Frame struct {
	Kind   FrameKind
	Method *target.CompiledMethod //nil for adapter frames

	// index of the first word of the frame in the stack memory.
	Base int
	Size int

	// ReturnAddress is the code address where the caller continues when the frame returns.
	ReturnAddress uint64

	// JIT frames: depth of the operand stack.
	StackDepth int
}

func (f Frame) End() int {
	return f.Base + f.Size
}

func (f Frame) String() string {
	if f.Method == nil {
		return fmt.Sprintf("%s frame [%d, %d)", f.Kind, f.Base, f.End())
	}
	return fmt.Sprintf("%s frame of %s [%d, %d)", f.Kind, f.Method.Method, f.Base, f.End())
}

// Stack is the simulated stack of a thread. The frames are stored outermost first, the memory of a frame
// starts where the memory of its caller ends.
type Stack struct {
	Memory []Word
	// words of the memory holding references.
	Refs   *bitset.BitSet
	Frames []Frame
}

func NewStack() *Stack {
	return &Stack{Refs: bitset.New(0)}
}

// Top returns the index following the memory of the top frame.
func (s *Stack) Top() int {
	if len(s.Frames) == 0 {
		return 0
	}
	return s.Frames[len(s.Frames)-1].End()
}

func (s *Stack) TopFrame() (Frame, bool) {
	if len(s.Frames) == 0 {
		return Frame{}, false
	}
	return s.Frames[len(s.Frames)-1], true
}

// Push pushes a frame whose memory starts at the top of the stack and returns it.
func (s *Stack) Push(frame Frame) Frame {
	frame.Base = s.Top()
	s.ensure(frame.End())
	s.clear(frame.Base, frame.End())
	s.Frames = append(s.Frames, frame)
	return frame
}

func (s *Stack) Read(index int) Word {
	return s.Memory[index]
}

func (s *Stack) IsRef(index int) bool {
	return s.Refs.Test(uint(index))
}

func (s *Stack) Write(index int, value Word, isRef bool) {
	s.Memory[index] = value
	s.Refs.SetTo(uint(index), isRef)
}

// Slot returns the word at the given slot of a frame.
func (s *Stack) Slot(frame Frame, slot int) Word {
	if slot < 0 || slot >= frame.Size {
		panic(fmt.Errorf("slot %d outside of %s", slot, frame))
	}
	return s.Memory[frame.Base+slot]
}

func (s *Stack) ensure(size int) {
	if size > len(s.Memory) {
		s.Memory = append(s.Memory, make([]Word, size-len(s.Memory))...)
	}
}

func (s *Stack) clear(from, to int) {
	for i := from; i < to; i++ {
		s.Memory[i] = 0
		s.Refs.Clear(uint(i))
	}
}

// Context is the execution context of a thread: the instruction pointer, the stack pointer and the
// frame pointer.
type Context struct {
	IP uint64
	SP int
	FP int
}

// An Exception is a thrown object.
type Exception struct {
	Type string
	Ref  Word
}

// A Thread is a simulated thread of the VM.
type Thread struct {
	Name  string
	Stack *Stack

	// Registers are saved when the thread traps.
	Registers []Word

	PendingException *Exception

	context      atomic.Pointer[Context]
	deoptimizing atomic.Bool
}

func NewThread(name string, platform target.Platform) *Thread {
	thread := &Thread{
		Name:      name,
		Stack:     NewStack(),
		Registers: make([]Word, platform.CalleeSavedRegisters),
	}
	thread.context.Store(&Context{})
	return thread
}

func (t *Thread) Context() Context {
	return *t.context.Load()
}

func (t *Thread) SetContext(ctx Context) {
	t.context.Store(&ctx)
}
