package refmap

import (
	"errors"
	"fmt"

	"github.com/inoxlang/tjit/internal/bytecode"
	"github.com/inoxlang/tjit/internal/memds"
	"github.com/inoxlang/tjit/internal/stops"
	"github.com/rs/zerolog"
)

var (
	ErrInconsistentInputs = errors.New("inconsistent reference map inputs")
)

type Options struct {
	// VerifyInputs enables the verification of the consistency of the inputs, violations cause a panic.
	VerifyInputs bool

	Logger zerolog.Logger
}

// Input holds the results of the translation of a method.
type Input struct {
	Method *bytecode.Method

	// decoded instructions of the method, decoded by Build if nil.
	Instructions []bytecode.Instruction

	Blocks *BlockSet
	Table  *stops.Table
	Index  stops.PositionIndex
	Layout FrameLayout

	Options Options
}

// Build computes the frame reference maps of the stops of a translated method and writes them into the
// table. The inputs are expected to be the results of the translation of the method, errors are only
// returned for methods whose operand stack usage is invalid.
func Build(input Input) error {
	m := input.Method

	instructions := input.Instructions
	if instructions == nil {
		var err error
		instructions, err = bytecode.DecodeAll(m.Code)
		if err != nil {
			return err
		}
	}

	if input.Options.VerifyInputs {
		verifyInputs(input, instructions)
	}

	graph, err := buildCFG(m, instructions, input.Blocks)
	if err != nil {
		return err
	}

	b := &builder{
		input:       input,
		interpreter: interpreter{method: m},
		cfg:         graph,
		entryStates: map[memds.NodeId]*frameState{},
	}

	if err := b.computeEntryStates(); err != nil {
		return fmt.Errorf("%s: %w", m, err)
	}

	b.writePrologueMaps()
	if err := b.replay(); err != nil {
		return fmt.Errorf("%s: %w", m, err)
	}

	input.Options.Logger.Debug().
		Str("method", m.String()).
		Int("blocks", graph.graph.NodeCount()).
		Int("stops", input.Table.Len()).
		Msg("reference maps built")

	return nil
}

type builder struct {
	input       Input
	interpreter interpreter
	cfg         *cfg
	entryStates map[memds.NodeId]*frameState
}

// computeEntryStates computes the entry state of every reachable block. Acyclic graphs are visited once
// in topological order, other graphs are iterated until a fixed point is reached.
func (b *builder) computeEntryStates() error {
	b.entryStates[b.cfg.entry] = entryState(b.input.Method)

	if order, ok := b.cfg.visitOrder(); ok {
		for _, id := range order {
			if _, err := b.propagate(id); err != nil {
				return err
			}
		}
		return nil
	}

	queue := memds.NewArrayQueue[memds.NodeId]()
	queued := map[memds.NodeId]bool{b.cfg.entry: true}
	queue.Enqueue(b.cfg.entry)

	for {
		id, ok := queue.Dequeue()
		if !ok {
			break
		}
		queued[id] = false

		changed, err := b.propagate(id)
		if err != nil {
			return err
		}
		for _, succ := range changed {
			if !queued[succ] {
				queued[succ] = true
				queue.Enqueue(succ)
			}
		}
	}
	return nil
}

// propagate executes a block from its entry state and merges the resulting states into the entry states
// of its successors and exception handlers. It returns the blocks whose entry state changed.
func (b *builder) propagate(id memds.NodeId) ([]memds.NodeId, error) {
	entry := b.entryStates[id]
	if entry == nil {
		return nil, nil
	}
	state := entry.clone()
	block := b.cfg.block(id)

	var changed []memds.NodeId
	merge := func(s *frameState, target memds.NodeId) error {
		targetState := b.entryStates[target]
		didChange, err := s.mergeInto(&targetState)
		if err != nil {
			return fmt.Errorf("block %d: %w", b.cfg.block(target).start, err)
		}
		b.entryStates[target] = targetState
		if didChange {
			changed = append(changed, target)
		}
		return nil
	}

	for _, ins := range block.instructions {
		if err := b.mergeIntoHandlers(state, ins.Pos, merge); err != nil {
			return nil, err
		}
		if err := b.interpreter.execute(state, ins); err != nil {
			return nil, err
		}
	}

	for _, succ := range b.cfg.graph.DestinationIds(id) {
		edge, _ := b.cfg.graph.Edge(id, succ)
		if edge.Data == handlerEdge {
			continue
		}
		if err := merge(state, succ); err != nil {
			return nil, err
		}
	}
	return changed, nil
}

func (b *builder) mergeIntoHandlers(state *frameState, pos int, merge func(s *frameState, target memds.NodeId) error) error {
	for _, h := range b.input.Method.HandlersActiveAt(pos) {
		handlerBlock := b.cfg.blockByStart[h.Handler]
		entry, err := state.handlerEntry()
		if err != nil {
			return fmt.Errorf("handler at %d: %w", h.Handler, err)
		}
		if err := merge(entry, handlerBlock); err != nil {
			return err
		}
	}
	return nil
}

// writePrologueMaps writes the maps of the stops emitted before the first instruction: the receiver
// and the reference parameters are live.
func (b *builder) writePrologueMaps() {
	table := b.input.Table
	entry := entryState(b.input.Method)

	for i := 0; i < table.Len(); i++ {
		if table.BytecodePositions[i] != stops.PrologueBCI {
			continue
		}
		entry.forEachRefLocal(func(local int) {
			table.SetFrameSlot(i, b.input.Layout.LocalSlot(local))
		})
	}
}

// replay executes the reachable blocks in ascending position order from their entry states and
// writes the maps of the stops of each instruction.
func (b *builder) replay() error {
	it := b.input.Index.Iterator()

	for _, start := range b.cfg.starts {
		id, ok := b.cfg.blockByStart[start]
		if !ok {
			continue
		}
		entry := b.entryStates[id]
		if entry == nil {
			//unreachable
			continue
		}
		state := entry.clone()

		for _, ins := range b.cfg.block(id).instructions {
			hasStops := it.Seek(ins.Pos)

			if hasStops {
				b.visitStops(&it, state, false)
			}

			if ins.Op.Is(bytecode.FlagInvoke) {
				if err := b.interpreter.popArguments(state, ins); err != nil {
					return err
				}
				if hasStops {
					b.visitStops(&it, state, true)
				}
				if err := b.interpreter.pushResult(state, ins); err != nil {
					return err
				}
				continue
			}

			if err := b.interpreter.execute(state, ins); err != nil {
				return err
			}
		}
	}
	return nil
}

// visitStops writes the reference bits of the stops at the current position of the iterator. The locals
// are only written before the arguments of an invoke are popped. The operand stack is written if
// parametersPopped differs from whether the stop is a direct runtime call: the arguments of an invoke
// belong to the callee frame of a resolved call, but are still on the stack of the caller during the
// runtime calls of the template.
func (b *builder) visitStops(it *stops.Iterator, state *frameState, parametersPopped bool) {
	table := b.input.Table
	layout := b.input.Layout

	for i := it.NextStopIndex(true); i >= 0; i = it.NextStopIndex(false) {
		if !parametersPopped {
			state.forEachRefLocal(func(local int) {
				table.SetFrameSlot(i, layout.LocalSlot(local))
			})
		}
		if parametersPopped != it.IsDirectRuntimeCall() {
			state.forEachRefStackEntry(func(depth int) {
				table.SetFrameSlot(i, layout.StackSlot(depth))
			})
		}
	}
}

func verifyInputs(input Input, instructions []bytecode.Instruction) {
	fail := func(format string, args ...any) {
		panic(fmt.Errorf("%w: %s: %s", ErrInconsistentInputs, input.Method, fmt.Sprintf(format, args...)))
	}

	if input.Table.FrameMapWidth != input.Layout.Width() {
		fail("frame map width is %d but the layout %s has %d slots", input.Table.FrameMapWidth, input.Layout, input.Layout.Width())
	}
	if input.Layout.MaxLocals != input.Method.MaxLocals || input.Layout.MaxStack != input.Method.MaxStack {
		fail("layout %s does not match the method", input.Layout)
	}

	starts := bytecode.InstructionStarts(instructions, len(input.Method.Code))
	if !input.Blocks.Contains(0) {
		fail("no block starts at 0")
	}
	for _, pos := range input.Blocks.Starts() {
		if pos < 0 || pos >= len(input.Method.Code) || !starts.Test(uint(pos)) {
			fail("block start %d is not an instruction", pos)
		}
	}
	for _, ins := range instructions {
		for _, target := range ins.BranchTargets() {
			if !input.Blocks.Contains(target) {
				fail("branch target %d of %s is not a block start", target, ins)
			}
		}
	}

	indexed := 0
	it := input.Index.Iterator()
	for ; it.BytecodePosition() != stops.End; it.Next() {
		pos := it.BytecodePosition()
		if pos >= len(input.Method.Code) || !starts.Test(uint(pos)) {
			fail("stops at %d which is not an instruction", pos)
		}
		for i := it.NextStopIndex(true); i >= 0; i = it.NextStopIndex(false) {
			if i >= input.Table.Len() || input.Table.BytecodePositions[i] != pos {
				fail("stop %d is indexed at %d", i, pos)
			}
			if it.IsDirectRuntimeCall() != input.Table.IsRuntimeCall(i) {
				fail("runtime call flag of stop %d", i)
			}
			indexed++
		}
	}

	inBody := 0
	for _, bci := range input.Table.BytecodePositions {
		if bci >= 0 {
			inBody++
		}
	}
	if inBody != indexed {
		fail("%d stops have a bytecode position but %d are indexed", inBody, indexed)
	}
}
