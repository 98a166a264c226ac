package target

import (
	"sync"
	"testing"

	"github.com/inoxlang/tjit/internal/bytecode"
	"github.com/inoxlang/tjit/internal/stops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlatform(t *testing.T) {
	for _, name := range PlatformNames() {
		p, err := PlatformByName(name)
		require.NoError(t, err)
		assert.NoError(t, p.Validate(), name)
	}

	_, err := PlatformByName("mips")
	assert.ErrorIs(t, err, ErrUnknownPlatform)
}

func newTestMethod(codeSize int) *CompiledMethod {
	m := NewCompiledMethod(&bytecode.Method{Holder: "A", Name: "f"}, KindJIT, AMD64)
	m.Code = make([]byte, codeSize)
	return m
}

func TestRegistry(t *testing.T) {

	t.Run("lookup of the addresses inside and outside of the code", func(t *testing.T) {
		registry := NewRegistry(0)
		a := newTestMethod(40)
		b := newTestMethod(10)

		addrA := registry.Install(a)
		addrB := registry.Install(b)
		assert.Greater(t, addrB, addrA+39)
		assert.Zero(t, addrB%CODE_ALIGNMENT)

		m, offset, ok := registry.Lookup(addrA + 12)
		require.True(t, ok)
		assert.Same(t, a, m)
		assert.Equal(t, 12, offset)

		//cached
		m, offset, ok = registry.Lookup(addrA + 12)
		require.True(t, ok)
		assert.Same(t, a, m)
		assert.Equal(t, 12, offset)

		m, offset, ok = registry.Lookup(addrB + 9)
		require.True(t, ok)
		assert.Same(t, b, m)
		assert.Equal(t, 9, offset)

		_, _, ok = registry.Lookup(addrB + 10)
		assert.False(t, ok)

		_, _, ok = registry.Lookup(CODE_BASE_ADDRESS - 1)
		assert.False(t, ok)
	})

	t.Run("installing twice returns the same address", func(t *testing.T) {
		registry := NewRegistry(0)
		m := newTestMethod(8)
		assert.Equal(t, registry.Install(m), registry.Install(m))
		assert.Equal(t, 1, registry.Len())
	})

	t.Run("removal", func(t *testing.T) {
		registry := NewRegistry(0)
		m := newTestMethod(8)
		addr := registry.Install(m)

		_, _, ok := registry.Lookup(addr)
		require.True(t, ok)

		registry.Remove(m)
		_, _, ok = registry.Lookup(addr)
		assert.False(t, ok)
		_, ok = registry.ByID(m.ID.String())
		assert.False(t, ok)
	})

	t.Run("concurrent installs and lookups", func(t *testing.T) {
		registry := NewRegistry(4)
		wg := new(sync.WaitGroup)

		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m := newTestMethod(24)
				addr := registry.Install(m)
				found, _, ok := registry.Lookup(addr + 3)
				assert.True(t, ok)
				assert.Same(t, m, found)
			}()
		}
		wg.Wait()

		methods := registry.Methods()
		assert.Len(t, methods, 8)
	})
}

func TestCompiledMethod(t *testing.T) {
	m := newTestMethod(60)
	m.Method.Code = make([]byte, 6)

	//instructions at 0, 2 and 5.
	m.BytecodeToCode = []int{10, -1, 20, -1, -1, 40, 50}
	m.ExceptionRanges = []ExceptionRange{
		{Start: 10, End: 20, Handlers: []HandlerEntry{{CatchType: "E", Handler: 40}, {Handler: 45}}},
		{Start: 20, End: 50},
		{Start: 50, End: 50},
	}

	ledger := stops.NewLedger(0)
	runtimeCall := stops.NewDirectCall(21, 5, "runtime.resolve", true, false)
	runtimeCall.BytecodePos = 2
	call := stops.NewDirectCall(30, 5, "B.g", false, true)
	call.BytecodePos = 2
	ledger.Add(runtimeCall)
	ledger.Add(call)
	m.Stops = ledger.Pack(0, 0, 0)
	m.PositionIndex = stops.BuildPositionIndex(m.Stops)

	t.Run("code positions", func(t *testing.T) {
		pos, ok := m.CodePosition(2)
		assert.True(t, ok)
		assert.Equal(t, 20, pos)

		_, ok = m.CodePosition(1)
		assert.False(t, ok)

		bci, ok := m.BytecodePosition(25)
		assert.True(t, ok)
		assert.Equal(t, 2, bci)

		bci, ok = m.BytecodePosition(40)
		assert.True(t, ok)
		assert.Equal(t, 5, bci)

		_, ok = m.BytecodePosition(55)
		assert.False(t, ok)

		_, ok = m.BytecodePosition(5)
		assert.False(t, ok)
	})

	t.Run("handlers", func(t *testing.T) {
		handler, ok := m.FindHandler(12, "E")
		assert.True(t, ok)
		assert.Equal(t, 40, handler)

		handler, ok = m.FindHandler(12, "F")
		assert.True(t, ok)
		assert.Equal(t, 45, handler)

		_, ok = m.FindHandler(25, "E")
		assert.False(t, ok)

		r, ok := m.ExceptionRangeAt(20)
		assert.True(t, ok)
		assert.False(t, r.HasHandler())
	})

	t.Run("return position of an invoke", func(t *testing.T) {
		pos, ok := m.ReturnPositionAfter(2)
		assert.True(t, ok)
		assert.Equal(t, 35, pos)

		_, ok = m.ReturnPositionAfter(0)
		assert.False(t, ok)
	})

	t.Run("arming", func(t *testing.T) {
		assert.False(t, m.IsArmed())
		assert.True(t, m.MarkArmed())
		assert.False(t, m.MarkArmed())
		assert.True(t, m.IsArmed())
	})
}

func TestFrameDescriptor(t *testing.T) {
	method := &bytecode.Method{Holder: "A", Name: "f", MaxLocals: 1, MaxStack: 1, Code: []byte{0, 0}}
	jit := NewCompiledMethod(method, KindJIT, AMD64)

	outer := &FrameDescriptor{Method: method, JIT: jit, BytecodePos: 1, Locals: []ValueLocation{RegisterLocation(3, true)}}
	inner := &FrameDescriptor{Caller: outer, Method: method, JIT: jit, Locals: []ValueLocation{ConstantLocation(7, false)}}

	assert.Equal(t, 2, inner.Depth())
	assert.Equal(t, []*FrameDescriptor{inner, outer}, inner.Chain())
	assert.NoError(t, inner.Validate())

	outer.Stack = []ValueLocation{StackSlotLocation(0, false), StackSlotLocation(1, false)}
	assert.Error(t, inner.Validate())
}
