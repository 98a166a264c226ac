package deopt

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/inoxlang/tjit/internal/bytecode"
	"github.com/inoxlang/tjit/internal/target"
	"github.com/rs/zerolog"
	"gopkg.in/cenkalti/backoff.v1"
)

var (
	ErrUnclassifiableTrap      = errors.New("unclassifiable trap")
	ErrNoFrameDescriptor       = errors.New("no frame descriptor at trap site")
	ErrNotTrappedFrame         = errors.New("top frame is not the trapped frame")
	ErrReentrantDeoptimization = errors.New("deoptimization is not reentrant")
	ErrInvalidLocation         = errors.New("invalid value location")
	ErrNoResumePosition        = errors.New("no resume position")
	ErrOperandStackOverflow    = errors.New("operand stack overflow")

	// ErrEpochChanged is returned by the attempts invalidated by a collection, it never leaves the retry loop
	// unless the back-off policy gives up.
	ErrEpochChanged = errors.New("safepoint epoch changed")
)

type State uint8

const (
	Armed State = iota
	Trapped
	Classifying
	Walking
	Rebuilding
	Committed
	Retry
)

var stateNames = [...]string{
	Armed:       "armed",
	Trapped:     "trapped",
	Classifying: "classifying",
	Walking:     "walking",
	Rebuilding:  "rebuilding",
	Committed:   "committed",
	Retry:       "retry",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

type Transition struct {
	State   State
	Attempt int
	Method  *target.CompiledMethod
}

type Config struct {
	Logger zerolog.Logger

	// Trace logs every state transition.
	Trace bool

	Registry  *target.Registry
	Collector Collector

	// NewBackOff returns the delay policy between the attempts invalidated by a collection. The number of
	// attempts is not limited by the deoptimizer. Defaults to retrying immediately.
	NewBackOff func() backoff.BackOff

	// Observer is called by the trapping thread on every state transition.
	Observer func(Transition)
}

// Result describes a committed deoptimization.
type Result struct {
	Method     *target.CompiledMethod
	Occurrence Occurrence
	StopIndex  int

	// number of JIT frames replacing the optimized frame.
	Frames  int
	Retries int

	// Reexecute is true when the top frame restarts the instruction at the trap.
	Reexecute    bool
	AdapterFrame bool

	ExceptionHandled    bool
	ExceptionPropagated bool
}

// A Deoptimizer replaces trapped optimized frames by JIT frames. It is shared by the threads of the VM,
// the deoptimization of a thread runs on the thread itself.
type Deoptimizer struct {
	config Config
	logger zerolog.Logger
}

func New(config Config) *Deoptimizer {
	if config.Registry == nil {
		panic(errors.New("deoptimizer: missing code registry"))
	}
	if config.Collector == nil {
		config.Collector = &SimulatedCollector{}
	}
	if config.NewBackOff == nil {
		config.NewBackOff = func() backoff.BackOff {
			return &backoff.ZeroBackOff{}
		}
	}

	return &Deoptimizer{
		config: config,
		logger: config.Logger.With().Str("component", "deopt").Logger(),
	}
}

// HandleTrap deoptimizes the top frame of a thread whose instruction pointer is at a trap site. Every
// rebuild invalidated by a collection is discarded and the stack is walked again.
func (d *Deoptimizer) HandleTrap(thread *Thread) (Result, error) {
	if !thread.deoptimizing.CompareAndSwap(false, true) {
		return Result{}, fmt.Errorf("%w: thread %s", ErrReentrantDeoptimization, thread.Name)
	}
	defer thread.deoptimizing.Store(false)

	ctx := thread.Context()
	method, trapPos, ok := d.config.Registry.Lookup(ctx.IP)
	if !ok {
		return Result{}, fmt.Errorf("%w: no compiled method at %#x", ErrUnclassifiableTrap, ctx.IP)
	}
	d.transition(Trapped, 0, method)

	d.transition(Classifying, 0, method)
	occurrence, stopIndex := Classify(method, trapPos)
	result := Result{Method: method, Occurrence: occurrence, StopIndex: stopIndex}

	if occurrence == Error {
		return result, fmt.Errorf("%w: %s at %d", ErrUnclassifiableTrap, method, trapPos)
	}

	desc := method.Descriptors[stopIndex]
	if desc == nil {
		return result, fmt.Errorf("%w: stop %d of %s", ErrNoFrameDescriptor, stopIndex, method)
	}

	var (
		attempt int
		plan    *rebuildPlan
		fatal   error
	)
	collector := d.config.Collector
	buffer := newScratch(0)

	operation := func() error {
		attempt++
		collector.DisableSafepoints()
		epoch := collector.SafepointEpoch()

		d.transition(Walking, attempt, method)
		walk, err := walkStack(thread, method)
		if err != nil {
			collector.EnableSafepoints()
			fatal = err
			return nil
		}

		d.transition(Rebuilding, attempt, method)
		buffer.reset()
		p, err := d.rebuild(thread, walk, desc, occurrence, buffer)
		if err != nil {
			collector.EnableSafepoints()
			fatal = err
			return nil
		}

		//pending collections run here.
		collector.EnableSafepoints()
		collector.DisableSafepoints()
		defer collector.EnableSafepoints()

		if collector.SafepointEpoch() != epoch {
			d.transition(Retry, attempt, method)
			return ErrEpochChanged
		}

		commit(thread, p, buffer)
		plan = p
		d.transition(Committed, attempt, method)
		return nil
	}

	notify := func(err error, delay time.Duration) {
		if d.config.Trace {
			d.logger.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying deoptimization")
		}
	}

	if err := backoff.RetryNotify(operation, d.config.NewBackOff(), notify); err != nil {
		return result, fmt.Errorf("deoptimization of %s abandoned after %d attempts: %w", method, attempt, err)
	}
	if fatal != nil {
		return result, fatal
	}

	result.Frames = len(plan.frames)
	result.Retries = attempt - 1
	result.Reexecute = plan.reexecute
	result.AdapterFrame = plan.adapter
	result.ExceptionHandled = plan.handledException
	result.ExceptionPropagated = plan.propagateException

	d.logger.Debug().
		Str("method", method.String()).
		Stringer("occurrence", occurrence).
		Int("frames", result.Frames).
		Int("retries", result.Retries).
		Bool("reexecute", result.Reexecute).
		Msg("frame deoptimized")

	return result, nil
}

func (d *Deoptimizer) transition(state State, attempt int, m *target.CompiledMethod) {
	if d.config.Trace {
		d.logger.Debug().Stringer("state", state).Int("attempt", attempt).Str("method", m.String()).Msg("transition")
	}
	if d.config.Observer != nil {
		d.config.Observer(Transition{State: state, Attempt: attempt, Method: m})
	}
}

type stackWalk struct {
	sourceIndex int
	source      Frame

	//-1 if the source frame is the bottom frame.
	parentIndex     int
	callerOptimized bool
}

// walkStack finds the frame to replace and its parent: the first frame below it that is not an adapter frame.
func walkStack(thread *Thread, method *target.CompiledMethod) (stackWalk, error) {
	frames := thread.Stack.Frames
	if len(frames) == 0 {
		return stackWalk{}, fmt.Errorf("%w: empty stack", ErrNotTrappedFrame)
	}

	walk := stackWalk{
		sourceIndex:     len(frames) - 1,
		source:          frames[len(frames)-1],
		parentIndex:     -1,
		callerOptimized: true,
	}
	if walk.source.Kind != OptimizedFrame || walk.source.Method != method || thread.Context().FP != walk.source.Base {
		return stackWalk{}, fmt.Errorf("%w: %s", ErrNotTrappedFrame, walk.source)
	}

	i := walk.sourceIndex - 1
	for ; i >= 0 && frames[i].Kind == AdapterFrame; i-- {
		walk.callerOptimized = false
	}

	if i < 0 {
		walk.callerOptimized = false
	} else {
		walk.parentIndex = i
		walk.callerOptimized = walk.callerOptimized && frames[i].Kind == OptimizedFrame
	}
	return walk, nil
}

// jitFrame is a frame to write, its values are in the scratch buffer.
type jitFrame struct {
	desc   *target.FrameDescriptor
	locals []int
	stack  []int

	// code position where the frame continues.
	ip            int
	returnAddress uint64
}

type rebuildPlan struct {
	walk stackWalk

	//innermost first
	frames []jitFrame

	adapter          bool
	adapterArguments int

	reexecute          bool
	handledException   bool
	propagateException bool

	topIP uint64
}

// rebuild reads the values of the logical frames of the source frame and computes the JIT frames replacing
// it. Nothing is written to the stack.
func (d *Deoptimizer) rebuild(thread *Thread, walk stackWalk, desc *target.FrameDescriptor, occurrence Occurrence, buffer *scratch) (*rebuildPlan, error) {
	plan := &rebuildPlan{walk: walk}
	chain := desc.Chain()

	handlerBCI := -1
	if exception := thread.PendingException; exception != nil {
		index, handler, found := findHandlerFrame(chain, exception)
		if !found {
			plan.propagateException = true
			return plan, nil
		}
		//the frames above the frame handling the exception are discarded.
		chain = chain[index:]
		handlerBCI = handler
	}

	for i, desc := range chain {
		frame := jitFrame{desc: desc}

		for _, loc := range desc.Locals {
			index, err := readValue(thread, walk.source, loc, buffer)
			if err != nil {
				return nil, fmt.Errorf("%s: local: %w", desc.Method, err)
			}
			frame.locals = append(frame.locals, index)
		}

		if i > 0 || handlerBCI < 0 {
			for _, loc := range desc.Stack {
				index, err := readValue(thread, walk.source, loc, buffer)
				if err != nil {
					return nil, fmt.Errorf("%s: stack: %w", desc.Method, err)
				}
				frame.stack = append(frame.stack, index)
			}
		}

		if i > 0 {
			pos, ok := desc.JIT.ReturnPositionAfter(desc.BytecodePos)
			if !ok {
				return nil, fmt.Errorf("%w: %s has no call at %d", ErrNoResumePosition, desc.JIT, desc.BytecodePos)
			}
			frame.ip = pos
		}
		plan.frames = append(plan.frames, frame)
	}

	if err := d.resumeTopFrame(thread, plan, occurrence, handlerBCI, buffer); err != nil {
		return nil, err
	}

	for _, frame := range plan.frames {
		if len(frame.stack) > frame.desc.Method.MaxStack {
			return nil, fmt.Errorf("%w: %s", ErrOperandStackOverflow, frame.desc.Method)
		}
	}

	//return chain
	registry := d.config.Registry
	for i := range plan.frames[:len(plan.frames)-1] {
		caller := plan.frames[i+1]
		plan.frames[i].returnAddress = registry.Install(caller.desc.JIT) + uint64(caller.ip)
	}

	outermost := chain[len(chain)-1].Method
	trivialCall := outermost.Static && len(outermost.Signature.Params) == 0
	plan.adapter = walk.callerOptimized && !trivialCall
	plan.adapterArguments = outermost.ArgumentSlots()

	last := &plan.frames[len(plan.frames)-1]
	if plan.adapter {
		last.returnAddress = ADAPTER_STUB_ADDRESS
	} else {
		last.returnAddress = walk.source.ReturnAddress
	}

	top := plan.frames[0]
	plan.topIP = registry.Install(top.desc.JIT) + uint64(top.ip)
	return plan, nil
}

// resumeTopFrame sets the position where the top frame continues.
func (d *Deoptimizer) resumeTopFrame(thread *Thread, plan *rebuildPlan, occurrence Occurrence, handlerBCI int, buffer *scratch) error {
	top := &plan.frames[0]
	desc := top.desc

	if handlerBCI >= 0 {
		pos, ok := desc.JIT.CodePosition(handlerBCI)
		if !ok {
			return fmt.Errorf("%w: %s has no code at handler %d", ErrNoResumePosition, desc.JIT, handlerBCI)
		}
		top.ip = pos
		top.stack = append(top.stack, buffer.push(thread.PendingException.Ref, true))
		plan.handledException = true
		return nil
	}

	if occurrence.IsCall() {
		ins, err := bytecode.Decode(desc.Method.Code, desc.BytecodePos)
		if err != nil {
			return err
		}

		if ins.Op.Is(bytecode.FlagInvoke) {
			//the call has returned: the frame continues at the next instruction with the result on the stack.
			sym, err := desc.Method.Pool.Symbol(ins.Operand)
			if err != nil {
				return err
			}
			pos, ok := desc.JIT.CodePosition(ins.NextPos())
			if !ok {
				return fmt.Errorf("%w: %s has no code at %d", ErrNoResumePosition, desc.JIT, ins.NextPos())
			}
			top.ip = pos

			if result := sym.Signature.Result; result != bytecode.KindVoid {
				value := thread.Registers[plan.walk.source.Method.Platform.ReturnRegister]
				top.stack = append(top.stack, buffer.push(value, result.IsRef()))
			}
			return nil
		}
	}

	//safepoints and the runtime calls of other instructions (allocation, resolution) have no effect on the
	//frame before they return, the JIT frame executes the instruction again.
	pos, ok := desc.JIT.CodePosition(desc.BytecodePos)
	if !ok {
		return fmt.Errorf("%w: %s has no code at %d", ErrNoResumePosition, desc.JIT, desc.BytecodePos)
	}
	top.ip = pos
	plan.reexecute = true
	return nil
}

func findHandlerFrame(chain []*target.FrameDescriptor, exception *Exception) (index int, handler int, found bool) {
	for i, desc := range chain {
		for _, h := range desc.Method.Handlers {
			if h.Covers(desc.BytecodePos) && (h.CatchType == "" || h.CatchType == exception.Type) {
				return i, h.Handler, true
			}
		}
	}
	return -1, -1, false
}

func readValue(thread *Thread, source Frame, loc target.ValueLocation, buffer *scratch) (int, error) {
	switch loc.Kind {
	case target.InRegister:
		if loc.Index < 0 || loc.Index >= len(thread.Registers) {
			return -1, fmt.Errorf("%w: %s", ErrInvalidLocation, loc)
		}
		return buffer.push(thread.Registers[loc.Index], loc.IsRef), nil
	case target.InStackSlot:
		if loc.Index < 0 || loc.Index >= source.Size {
			return -1, fmt.Errorf("%w: %s outside of %s", ErrInvalidLocation, loc, source)
		}
		return buffer.push(thread.Stack.Read(source.Base+loc.Index), loc.IsRef), nil
	case target.Constant:
		return buffer.push(loc.Value, loc.IsRef), nil
	}
	return -1, fmt.Errorf("%w: %s", ErrInvalidLocation, loc)
}

// commit replaces the source frame by the planned frames and repoints the context of the thread.
func commit(thread *Thread, plan *rebuildPlan, buffer *scratch) {
	stack := thread.Stack
	walk := plan.walk
	frames := slices.Clone(stack.Frames[:walk.sourceIndex])

	if plan.propagateException {
		stack.clear(walk.source.Base, walk.source.End())
		stack.Frames = frames

		fp := 0
		if len(frames) > 0 {
			fp = frames[len(frames)-1].Base
		}
		thread.SetContext(Context{IP: walk.source.ReturnAddress, SP: walk.source.Base, FP: fp})
		return
	}

	base := walk.source.Base
	var adapter Frame
	if plan.adapter {
		adapter = Frame{Kind: AdapterFrame, Base: base, Size: ADAPTER_FRAME_SIZE, ReturnAddress: walk.source.ReturnAddress}
		frames = append(frames, adapter)
		base = adapter.End()
	}

	//outermost first
	written := make([]Frame, len(plan.frames))
	for i := len(plan.frames) - 1; i >= 0; i-- {
		f := plan.frames[i]
		frame := Frame{
			Kind:          JITFrame,
			Method:        f.desc.JIT,
			Base:          base,
			Size:          f.desc.JIT.Frame.Width(),
			ReturnAddress: f.returnAddress,
			StackDepth:    len(f.stack),
		}
		written[i] = frame
		frames = append(frames, frame)
		base = frame.End()
	}

	stack.ensure(base)
	stack.clear(walk.source.Base, max(base, walk.source.End()))

	if plan.adapter {
		stack.Write(adapter.Base, adapter.ReturnAddress, false)
		stack.Write(adapter.Base+1, Word(plan.adapterArguments), false)
	}

	for i, f := range plan.frames {
		frame := written[i]
		layout := f.desc.JIT.Frame
		for local, index := range f.locals {
			value, isRef := buffer.at(index)
			stack.Write(frame.Base+layout.LocalSlot(local), value, isRef)
		}
		for depth, index := range f.stack {
			value, isRef := buffer.at(index)
			stack.Write(frame.Base+layout.StackSlot(depth), value, isRef)
		}
	}

	stack.Frames = frames
	if plan.handledException {
		thread.PendingException = nil
	}

	top := written[0]
	thread.SetContext(Context{IP: plan.topIP, SP: top.End(), FP: top.Base})
}
