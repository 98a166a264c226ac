package translator

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/inoxlang/tjit/internal/bytecode"
	"github.com/inoxlang/tjit/internal/stops"
	"github.com/inoxlang/tjit/internal/target"
	"github.com/inoxlang/tjit/internal/template"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var library = template.NewSyntheticLibrary(target.AMD64.TemplateShape())

func testOptions() Options {
	return Options{
		Logger:             zerolog.Nop(),
		Platform:           target.AMD64,
		VerifyRefMapInputs: true,
	}
}

type methodDesc struct {
	static       bool
	synchronized bool
	params       []bytecode.Kind
	result       bytecode.Kind
	maxLocals    int
	maxStack     int
	code         string
	pool         []bytecode.PoolEntry
}

func newMethod(t *testing.T, desc methodDesc) (*bytecode.Method, map[string]int) {
	code, labels, err := bytecode.Assemble(desc.code)
	require.NoError(t, err)

	return &bytecode.Method{
		Holder:       "Test",
		Name:         "m",
		Signature:    bytecode.Signature{Params: desc.params, Result: desc.result},
		Static:       desc.static,
		Synchronized: desc.synchronized,
		MaxLocals:    desc.maxLocals,
		MaxStack:     desc.maxStack,
		Code:         code,
		Pool:         bytecode.NewPool(desc.pool...),
	}, labels
}

func readInt32(code []byte, pos int) int {
	return int(int32(binary.LittleEndian.Uint32(code[pos:])))
}

func slotOf(t *testing.T, op bytecode.Opcode, selector template.Selector, kind template.SlotKind) int {
	tmpl, ok := library.Lookup(op, selector)
	require.True(t, ok)
	slot, ok := tmpl.Slot(kind)
	require.True(t, ok)
	return slot.Offset
}

func sizeOf(t *testing.T, op bytecode.Opcode, selector template.Selector) int {
	tmpl, ok := library.Lookup(op, selector)
	require.True(t, ok)
	return tmpl.Size()
}

func staticCallee(result bytecode.Kind, params ...bytecode.Kind) bytecode.PoolEntry {
	return bytecode.PoolEntry{
		Symbol: bytecode.Symbol{
			Kind:      bytecode.SymMethod,
			Holder:    "Callee",
			Name:      "f",
			Signature: bytecode.Signature{Params: params, Result: result},
			Static:    true,
		},
		Loaded:      true,
		Initialized: true,
	}
}

func TestTranslate(t *testing.T) {

	t.Run("straight-line code", func(t *testing.T) {
		m, _ := newMethod(t, methodDesc{
			static: true, params: []bytecode.Kind{bytecode.KindInt}, result: bytecode.KindInt,
			maxLocals: 1, maxStack: 2,
			code: `
				iload 0
				iconst 3
				iadd
				ireturn
			`,
		})

		compiled, err := Translate(m, library, testOptions())
		require.NoError(t, err)

		prologueSize := sizeOf(t, template.OpPrologue, template.NoAssumption)
		assert.Equal(t, prologueSize, compiled.BytecodeToCode[0])
		//positions inside an instruction have no code.
		assert.Equal(t, -1, compiled.BytecodeToCode[1])
		assert.Equal(t, -1, compiled.BytecodeToCode[3])

		//the frame size is patched into the prologue.
		frameSize := readInt32(compiled.Code, slotOf(t, template.OpPrologue, template.NoAssumption, template.SlotFrameSize))
		assert.Equal(t, (DEFAULT_TEMPLATE_SLOTS+1+2)*target.AMD64.WordSize, frameSize)

		//the local slot and the immediate.
		iloadPos := compiled.BytecodeToCode[0]
		assert.Equal(t, compiled.Frame.LocalSlot(0), readInt32(compiled.Code, iloadPos+slotOf(t, bytecode.OpIload, template.NoAssumption, template.SlotLocal)))
		iconstPos := compiled.BytecodeToCode[2]
		assert.Equal(t, 3, readInt32(compiled.Code, iconstPos+slotOf(t, bytecode.OpIconst, template.NoAssumption, template.SlotImmediate)))

		end := compiled.BytecodeToCode[len(m.Code)]
		assert.Equal(t, end+target.AMD64.TrapSize(), len(compiled.Code))

		assert.Zero(t, compiled.Stops.Len())
		assert.Empty(t, compiled.PositionIndex)
		assert.Equal(t, target.KindJIT, compiled.Kind)
		assert.NoError(t, compiled.Validate())
	})

	t.Run("forward branch", func(t *testing.T) {
		m, labels := newMethod(t, methodDesc{
			static: true, params: []bytecode.Kind{bytecode.KindInt}, result: bytecode.KindInt,
			maxLocals: 1, maxStack: 1,
			code: `
				iload 0
				ifeq skip
				iconst 1
				ireturn
			skip:
				iconst 2
				ireturn
			`,
		})

		compiled, err := Translate(m, library, testOptions())
		require.NoError(t, err)

		slotPos := compiled.BytecodeToCode[2] + slotOf(t, bytecode.OpIfeq, template.NoAssumption, template.SlotBranch)
		assert.Equal(t, compiled.BytecodeToCode[labels["skip"]]-(slotPos+4), readInt32(compiled.Code, slotPos))
		assert.Zero(t, compiled.Stops.NumSafepoints)
	})

	t.Run("backward branch is preceded by a safepoint", func(t *testing.T) {
		m, labels := newMethod(t, methodDesc{
			static: true, params: []bytecode.Kind{bytecode.KindInt},
			maxLocals: 1, maxStack: 1,
			code: `
			loop:
				iload 0
				ifeq done
				goto loop
			done:
				return
			`,
		})

		compiled, err := Translate(m, library, testOptions())
		require.NoError(t, err)

		gotoBCI := 5
		require.Equal(t, 1, compiled.Stops.NumSafepoints)
		assert.Equal(t, compiled.BytecodeToCode[gotoBCI], compiled.Stops.CodePositions[0])
		assert.Equal(t, gotoBCI, compiled.Stops.BytecodePositions[0])
		assert.Equal(t, []int{0}, compiled.PositionIndex.StopsAt(gotoBCI))

		gotoPos := compiled.BytecodeToCode[gotoBCI] + sizeOf(t, template.OpSafepoint, template.NoAssumption)
		slotPos := gotoPos + slotOf(t, bytecode.OpGoto, template.NoAssumption, template.SlotBranch)
		displacement := readInt32(compiled.Code, slotPos)
		assert.Negative(t, displacement)
		assert.Equal(t, compiled.BytecodeToCode[labels["loop"]], slotPos+4+displacement)
	})

	t.Run("tableswitch entries are relative to the start of the table", func(t *testing.T) {
		m, labels := newMethod(t, methodDesc{
			static: true, params: []bytecode.Kind{bytecode.KindInt},
			maxLocals: 1, maxStack: 1,
			code: `
				iload 0
				tableswitch 7 default:d a b
			a:
				return
			b:
				return
			d:
				return
			`,
		})

		compiled, err := Translate(m, library, testOptions())
		require.NoError(t, err)

		switchPos := compiled.BytecodeToCode[2]
		assert.Equal(t, 7, readInt32(compiled.Code, switchPos+slotOf(t, bytecode.OpTableswitch, template.NoAssumption, template.SlotImmediate)))
		assert.Equal(t, 2, readInt32(compiled.Code, switchPos+slotOf(t, bytecode.OpTableswitch, template.NoAssumption, template.SlotCount)))

		defaultSlot := switchPos + slotOf(t, bytecode.OpTableswitch, template.NoAssumption, template.SlotBranch)
		assert.Equal(t, compiled.BytecodeToCode[labels["d"]], defaultSlot+4+readInt32(compiled.Code, defaultSlot))

		tableBase := switchPos + sizeOf(t, bytecode.OpTableswitch, template.NoAssumption)
		assert.Equal(t, compiled.BytecodeToCode[labels["a"]], tableBase+readInt32(compiled.Code, tableBase))
		assert.Equal(t, compiled.BytecodeToCode[labels["b"]], tableBase+readInt32(compiled.Code, tableBase+4))
		assert.Equal(t, tableBase+8, compiled.BytecodeToCode[labels["a"]])
	})

	t.Run("lookupswitch entries interleave keys and displacements", func(t *testing.T) {
		m, labels := newMethod(t, methodDesc{
			static: true, params: []bytecode.Kind{bytecode.KindInt},
			maxLocals: 1, maxStack: 1,
			code: `
				iload 0
				lookupswitch default:d -5:a 100:d
			a:
				return
			d:
				return
			`,
		})

		compiled, err := Translate(m, library, testOptions())
		require.NoError(t, err)

		switchPos := compiled.BytecodeToCode[2]
		tableBase := switchPos + sizeOf(t, bytecode.OpLookupswitch, template.NoAssumption)

		assert.Equal(t, -5, readInt32(compiled.Code, tableBase))
		assert.Equal(t, compiled.BytecodeToCode[labels["a"]], tableBase+readInt32(compiled.Code, tableBase+4))
		assert.Equal(t, 100, readInt32(compiled.Code, tableBase+8))
		assert.Equal(t, compiled.BytecodeToCode[labels["d"]], tableBase+readInt32(compiled.Code, tableBase+12))
	})
}

func TestTemplateSelection(t *testing.T) {
	invoke := func(entry bytecode.PoolEntry) *bytecode.Method {
		m, _ := newMethod(t, methodDesc{
			static: true, result: bytecode.KindRef,
			maxLocals: 0, maxStack: 1,
			code: `
				invokestatic 0
				areturn
			`,
			pool: []bytecode.PoolEntry{entry},
		})
		return m
	}

	t.Run("resolved static call to an initialized class", func(t *testing.T) {
		compiled, err := Translate(invoke(staticCallee(bytecode.KindRef)), library, testOptions())
		require.NoError(t, err)

		table := compiled.Stops
		require.Equal(t, 1, table.Len())
		assert.Equal(t, stops.DirectCall, table.KindAt(0))
		assert.Equal(t, stops.Callee("Callee.f()ref"), table.CalleeAt(0))
		assert.False(t, table.IsRuntimeCall(0))
		assert.True(t, table.ResultIsRefAt(0))
		assert.Empty(t, compiled.Literals)
	})

	t.Run("static call to a class that is not initialized resolves at run time", func(t *testing.T) {
		entry := staticCallee(bytecode.KindRef)
		entry.Initialized = false

		compiled, err := Translate(invoke(entry), library, testOptions())
		require.NoError(t, err)

		table := compiled.Stops
		require.Equal(t, 1, table.NumDirect)
		require.Equal(t, 1, table.NumIndirect)
		assert.True(t, table.IsRuntimeCall(0))
		assert.Equal(t, template.RuntimeResolveStaticMethod, table.CalleeAt(0))
		assert.True(t, table.ResultIsRefAt(1))

		require.Len(t, compiled.Literals, 1)
		assert.Equal(t, ResolutionGuard{PoolIndex: 0, Symbol: entry.Symbol.String()}, compiled.Literals[0])
	})

	t.Run("a linkage error falls back to the no-assumption template", func(t *testing.T) {
		entry := staticCallee(bytecode.KindRef)
		entry.LinkageError = "NoSuchMethodError"

		compiled, err := Translate(invoke(entry), library, testOptions())
		require.NoError(t, err)
		assert.True(t, compiled.Stops.IsRuntimeCall(0))
		assert.IsType(t, ResolutionGuard{}, compiled.Literals[0])
	})

	t.Run("literals are addressed relative to the end of their slot", func(t *testing.T) {
		m, _ := newMethod(t, methodDesc{
			static: true, result: bytecode.KindInt,
			maxLocals: 0, maxStack: 1,
			code: `
				getstatic 0
				ireturn
			`,
			pool: []bytecode.PoolEntry{{
				Symbol:      bytecode.Symbol{Kind: bytecode.SymField, Holder: "A", Name: "x", Type: bytecode.KindInt, Static: true},
				Loaded:      true,
				Initialized: true,
				FieldOffset: 16,
			}},
		})

		compiled, err := Translate(m, library, testOptions())
		require.NoError(t, err)
		require.Equal(t, []any{bytecode.StaticTupleLiteral("A")}, compiled.Literals)

		pos := compiled.BytecodeToCode[0]
		literalSlot := pos + slotOf(t, bytecode.OpGetstatic, template.Initialized, template.SlotLiteral)
		assert.Equal(t, -target.AMD64.WordSize, literalSlot+4+readInt32(compiled.Code, literalSlot))

		offsetSlot := pos + slotOf(t, bytecode.OpGetstatic, template.Initialized, template.SlotFieldOffset)
		assert.Equal(t, 16, readInt32(compiled.Code, offsetSlot))
	})

	t.Run("ldc of an int constant is an immediate", func(t *testing.T) {
		m, _ := newMethod(t, methodDesc{
			static: true, result: bytecode.KindInt,
			maxLocals: 0, maxStack: 1,
			code: `
				ldc 0
				ireturn
			`,
			pool: []bytecode.PoolEntry{{Symbol: bytecode.Symbol{Kind: bytecode.SymIntConstant, IntValue: 100000}}},
		})

		compiled, err := Translate(m, library, testOptions())
		require.NoError(t, err)
		assert.Empty(t, compiled.Literals)

		slot := compiled.BytecodeToCode[0] + slotOf(t, bytecode.OpIconst, template.NoAssumption, template.SlotImmediate)
		assert.Equal(t, 100000, readInt32(compiled.Code, slot))
	})

	t.Run("instrumented virtual call", func(t *testing.T) {
		m, _ := newMethod(t, methodDesc{
			maxLocals: 1, maxStack: 1,
			code: `
				aload 0
				invokevirtual 0
				return
			`,
			pool: []bytecode.PoolEntry{{
				Symbol:      bytecode.Symbol{Kind: bytecode.SymMethod, Holder: "B", Name: "g", Signature: bytecode.Signature{Result: bytecode.KindVoid}},
				Loaded:      true,
				VTableIndex: 3,
			}},
		})

		opts := testOptions()
		opts.InstrumentCalls = true
		compiled, err := Translate(m, library, opts)
		require.NoError(t, err)

		require.Equal(t, []any{ProfileLiteral{Method: m.String(), BCI: 2}}, compiled.Literals)
		assert.Equal(t, template.RuntimeProfileReceiver, compiled.Stops.CalleeAt(0))
		assert.Equal(t, 1, compiled.Stops.NumIndirect)

		slot := compiled.BytecodeToCode[2] + slotOf(t, bytecode.OpInvokevirtual, template.Instrumented, template.SlotVTableIndex)
		assert.Equal(t, 3, readInt32(compiled.Code, slot))

		//without instrumentation
		compiled, err = Translate(m, library, testOptions())
		require.NoError(t, err)
		assert.Empty(t, compiled.Literals)
		assert.Zero(t, compiled.Stops.NumDirect)
	})

	t.Run("specialized templates missing from the catalog are replaced by no-assumption templates", func(t *testing.T) {
		restricted := template.NewLibrary()
		for _, tag := range []template.Tag{
			{Op: template.OpPrologue},
			{Op: bytecode.OpInvokestatic},
			{Op: bytecode.OpAreturn},
		} {
			tmpl, ok := library.Lookup(tag.Op, tag.Selector)
			require.True(t, ok)
			require.NoError(t, restricted.Add(tmpl))
		}

		compiled, err := Translate(invoke(staticCallee(bytecode.KindRef)), restricted, testOptions())
		require.NoError(t, err)
		assert.True(t, compiled.Stops.IsRuntimeCall(0))
	})
}

func TestSynchronizedMethod(t *testing.T) {
	m, _ := newMethod(t, methodDesc{
		synchronized: true,
		maxLocals:    1, maxStack: 0,
		code: `
			return
		`,
	})

	compiled, err := Translate(m, library, testOptions())
	require.NoError(t, err)

	table := compiled.Stops
	require.Equal(t, 4, table.NumDirect)

	//lock, unlock before return, unlock and rethrow of the handler.
	assert.Equal(t, []int{stops.PrologueBCI, 0, stops.EpilogueBCI, stops.EpilogueBCI}, table.BytecodePositions)
	assert.Equal(t, []stops.Callee{template.RuntimeMonitorEnter, template.RuntimeMonitorExit, template.RuntimeMonitorExit, template.RuntimeRethrow}, table.Callees)

	syncSlot := compiled.Frame.TemplateSlot(template.SYNC_OBJECT_TEMPLATE_SLOT)
	receiverSlot := compiled.Frame.LocalSlot(0)
	assert.Equal(t, []int{syncSlot, receiverSlot}, table.FrameRefSlots(0))
	assert.Equal(t, []int{syncSlot, receiverSlot}, table.FrameRefSlots(1))
	assert.Equal(t, []int{syncSlot}, table.FrameRefSlots(2))
	assert.Empty(t, table.FrameRefSlots(3))

	//a catch-all handler covers the body.
	bodyStart := compiled.BytecodeToCode[0]
	bodyEnd := compiled.BytecodeToCode[len(m.Code)]
	require.Len(t, compiled.ExceptionRanges, 2)
	assert.Equal(t, target.ExceptionRange{
		Start:    bodyStart,
		End:      bodyEnd,
		Handlers: []target.HandlerEntry{{Handler: bodyEnd}},
	}, compiled.ExceptionRanges[0])
	assert.Equal(t, target.ExceptionRange{Start: bodyEnd, End: bodyEnd}, compiled.ExceptionRanges[1])
}

func TestExceptionRanges(t *testing.T) {
	m, labels := newMethod(t, methodDesc{
		static:    true,
		maxLocals: 0, maxStack: 1,
		code: `
		start:
			iconst 1
			pop
		inner:
			iconst 2
			pop
		innerEnd:
			return
		h1:
			pop
			return
		h2:
			pop
			return
		`,
	})
	m.Handlers = []bytecode.ExceptionHandler{
		{Start: labels["inner"], End: labels["innerEnd"], Handler: labels["h2"]},
		{Start: labels["start"], End: labels["innerEnd"], Handler: labels["h1"], CatchType: "E"},
	}

	compiled, err := Translate(m, library, testOptions())
	require.NoError(t, err)

	pos := func(label string) int {
		return compiled.BytecodeToCode[labels[label]]
	}
	h1 := target.HandlerEntry{CatchType: "E", Handler: pos("h1")}
	h2 := target.HandlerEntry{Handler: pos("h2")}
	bodyEnd := compiled.BytecodeToCode[len(m.Code)]

	assert.Equal(t, []target.ExceptionRange{
		{Start: pos("start"), End: pos("inner"), Handlers: []target.HandlerEntry{h1}},
		{Start: pos("inner"), End: pos("innerEnd"), Handlers: []target.HandlerEntry{h2, h1}},
		{Start: pos("innerEnd"), End: bodyEnd},
		{Start: bodyEnd, End: bodyEnd},
	}, compiled.ExceptionRanges)

	//handler entries load the exception.
	loadExceptionSize := sizeOf(t, template.OpLoadException, template.NoAssumption)
	assert.Equal(t, pos("innerEnd")+sizeOf(t, bytecode.OpReturn, template.NoAssumption), pos("h1"))
	assert.Equal(t, pos("h1")+loadExceptionSize+sizeOf(t, bytecode.OpPop, template.NoAssumption)+sizeOf(t, bytecode.OpReturn, template.NoAssumption), pos("h2"))

	handler, ok := compiled.FindHandler(pos("inner"), "F")
	assert.True(t, ok)
	assert.Equal(t, pos("h2"), handler)

	_, ok = compiled.FindHandler(pos("start"), "F")
	assert.False(t, ok)
}

func TestReferenceMaps(t *testing.T) {
	argumentCall := func(entry bytecode.PoolEntry) *bytecode.Method {
		m, _ := newMethod(t, methodDesc{
			static: true, params: []bytecode.Kind{bytecode.KindRef},
			maxLocals: 1, maxStack: 1,
			code: `
				aload 0
				invokestatic 0
				return
			`,
			pool: []bytecode.PoolEntry{entry},
		})
		return m
	}

	t.Run("the argument of a resolved call is not live at the call", func(t *testing.T) {
		compiled, err := Translate(argumentCall(staticCallee(bytecode.KindVoid, bytecode.KindRef)), library, testOptions())
		require.NoError(t, err)

		require.Equal(t, 1, compiled.Stops.Len())
		assert.Equal(t, []int{compiled.Frame.LocalSlot(0)}, compiled.Stops.FrameRefSlots(0))
	})

	t.Run("the argument is live at the runtime call resolving the callee", func(t *testing.T) {
		entry := staticCallee(bytecode.KindVoid, bytecode.KindRef)
		entry.Loaded = false

		compiled, err := Translate(argumentCall(entry), library, testOptions())
		require.NoError(t, err)

		require.Equal(t, 2, compiled.Stops.Len())
		assert.Equal(t, []int{compiled.Frame.LocalSlot(0), compiled.Frame.StackSlot(0)}, compiled.Stops.FrameRefSlots(0))
		assert.Equal(t, []int{compiled.Frame.LocalSlot(0)}, compiled.Stops.FrameRefSlots(1))
	})
}

func TestTranslationErrors(t *testing.T) {
	t.Run("word types are not supported", func(t *testing.T) {
		m, _ := newMethod(t, methodDesc{
			static: true, maxLocals: 1, maxStack: 1,
			code: `
				wload 0
				pop
				return
			`,
		})
		_, err := Translate(m, library, testOptions())
		assert.ErrorIs(t, err, ErrUnsupportedInstruction)
	})

	t.Run("subroutines are not supported", func(t *testing.T) {
		m, _ := newMethod(t, methodDesc{
			static: true, maxLocals: 1, maxStack: 1,
			code: `
				jsr sub
				return
			sub:
				astore 0
				ret 0
			`,
		})
		_, err := Translate(m, library, testOptions())
		assert.ErrorIs(t, err, ErrUnsupportedInstruction)
	})

	t.Run("missing template", func(t *testing.T) {
		m, _ := newMethod(t, methodDesc{static: true, code: "return"})
		_, err := Translate(m, template.NewLibrary(), testOptions())
		assert.ErrorIs(t, err, ErrMissingTemplate)
	})

	t.Run("malformed code", func(t *testing.T) {
		m, _ := newMethod(t, methodDesc{static: true, maxStack: 1, code: "iconst 1"})
		_, err := Translate(m, library, testOptions())
		assert.ErrorIs(t, err, bytecode.ErrMalformedCode)
	})
}

func TestConcurrentTranslations(t *testing.T) {
	m, _ := newMethod(t, methodDesc{
		static: true, params: []bytecode.Kind{bytecode.KindInt},
		maxLocals: 1, maxStack: 1,
		code: `
		loop:
			iload 0
			ifeq done
			invokestatic 0
			goto loop
		done:
			return
		`,
		pool: []bytecode.PoolEntry{staticCallee(bytecode.KindVoid)},
	})

	expected, err := Translate(m, library, testOptions())
	require.NoError(t, err)

	wg := new(sync.WaitGroup)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			compiled, err := Translate(m, library, testOptions())
			if assert.NoError(t, err) {
				assert.Equal(t, expected.Code, compiled.Code)
				assert.Equal(t, expected.PositionIndex, compiled.PositionIndex)
				assert.NotEqual(t, expected.ID, compiled.ID)
			}
		}()
	}
	wg.Wait()
}
