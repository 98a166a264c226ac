package refmap

import "fmt"

// FrameLayout describes the slots of a JIT frame covered by a frame reference map:
// the template work area, then the local variables, then the operand stack.
// The bit index of a slot in a reference map is its word offset in the frame.
type FrameLayout struct {
	TemplateSlots int
	MaxLocals     int
	MaxStack      int
}

func (l FrameLayout) Width() int {
	return l.TemplateSlots + l.MaxLocals + l.MaxStack
}

func (l FrameLayout) TemplateSlot(i int) int {
	return i
}

func (l FrameLayout) LocalSlot(local int) int {
	if local < 0 || local >= l.MaxLocals {
		panic(fmt.Errorf("local %d outside of the frame (%d locals)", local, l.MaxLocals))
	}
	return l.TemplateSlots + local
}

// StackSlot returns the frame slot of the operand stack entry at depth, depth 0 is the bottom of the stack.
func (l FrameLayout) StackSlot(depth int) int {
	if depth < 0 || depth >= l.MaxStack {
		panic(fmt.Errorf("stack depth %d outside of the frame (max stack is %d)", depth, l.MaxStack))
	}
	return l.TemplateSlots + l.MaxLocals + depth
}

func (l FrameLayout) String() string {
	return fmt.Sprintf("[template:%d locals:%d stack:%d]", l.TemplateSlots, l.MaxLocals, l.MaxStack)
}
