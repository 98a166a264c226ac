package bytecode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder(t *testing.T) {

	t.Run("forward and backward branches", func(t *testing.T) {
		b := NewBuilder()
		b.Label("loop").
			OpArg(OpIload, 0).
			Branch(OpIfeq, "done").
			Branch(OpGoto, "loop").
			Label("done").
			Op(OpReturn)

		code, err := b.Build()
		require.NoError(t, err)

		instructions, err := DecodeAll(code)
		require.NoError(t, err)
		require.Len(t, instructions, 4)

		assert.Equal(t, OpIfeq, instructions[1].Op)
		assert.Equal(t, 8, instructions[1].Target)
		assert.Equal(t, OpGoto, instructions[2].Op)
		assert.Equal(t, 0, instructions[2].Target)
	})

	t.Run("unknown label", func(t *testing.T) {
		_, err := NewBuilder().Branch(OpGoto, "nowhere").Build()
		assert.ErrorIs(t, err, ErrUnknownLabel)
	})

	t.Run("operand out of range", func(t *testing.T) {
		_, err := NewBuilder().OpArg(OpIconst, 200).Build()
		assert.ErrorIs(t, err, ErrOperandRange)
	})

	t.Run("switches", func(t *testing.T) {
		b := NewBuilder()
		b.OpArg(OpIload, 0).
			TableSwitch(3, "d", "a", "b").
			Label("a").Op(OpReturn).
			Label("b").Op(OpReturn).
			Label("d").OpArg(OpIload, 0).
			LookupSwitch("a", []int32{-1, 10}, []string{"b", "d"})

		code, err := b.Build()
		require.NoError(t, err)

		instructions, err := DecodeAll(code)
		require.NoError(t, err)

		table := instructions[1]
		assert.Equal(t, OpTableswitch, table.Op)
		assert.Equal(t, []int32{3, 4}, table.Keys)
		assert.Equal(t, []int{instructions[2].Pos, instructions[3].Pos}, table.Targets)
		assert.Equal(t, instructions[4].Pos, table.Default)
		assert.Equal(t, []int{table.Default, instructions[2].Pos, instructions[3].Pos}, table.BranchTargets())

		lookup := instructions[5]
		assert.Equal(t, OpLookupswitch, lookup.Op)
		assert.Equal(t, []int32{-1, 10}, lookup.Keys)
		assert.Equal(t, []int{instructions[3].Pos, instructions[4].Pos}, lookup.Targets)
		assert.Equal(t, len(code), lookup.NextPos())
	})
}

func TestDecode(t *testing.T) {
	t.Run("truncated instruction", func(t *testing.T) {
		_, err := Decode([]byte{byte(OpGetfield), 0}, 0)
		assert.ErrorIs(t, err, ErrTruncatedInstruction)
	})

	t.Run("unknown opcode", func(t *testing.T) {
		_, err := Decode([]byte{0xff}, 0)
		assert.ErrorIs(t, err, ErrUnknownOpcode)
	})

	t.Run("branch out of bounds", func(t *testing.T) {
		_, err := Decode([]byte{byte(OpGoto), 0, 100}, 0)
		assert.ErrorIs(t, err, ErrBranchOutOfBounds)
	})
}

func TestAssemble(t *testing.T) {
	code, labels, err := Assemble(`
		# count down
		loop:
		  iload 0
		  ifeq done
		  iload 0
		  iconst -1
		  iadd
		  istore 0
		  goto loop
		done:
		  lookupswitch default:loop 1:done
	`)
	require.NoError(t, err)
	assert.Equal(t, 0, labels["loop"])

	instructions, err := DecodeAll(code)
	require.NoError(t, err)
	assert.Equal(t, OpIconst, instructions[3].Op)
	assert.Equal(t, -1, instructions[3].Operand)
	assert.Equal(t, labels["done"], instructions[1].Target)

	_, _, err = Assemble("frobnicate 3")
	assert.ErrorIs(t, err, ErrSyntax)
}

func TestPrecheck(t *testing.T) {
	pool := NewPool(
		PoolEntry{Symbol: Symbol{Kind: SymField, Holder: "A", Name: "w", Type: KindWord}, Loaded: true},
		PoolEntry{Symbol: Symbol{Kind: SymMethod, Holder: "A", Name: "m", Static: true}, Loaded: true},
	)

	method := func(src string) *Method {
		code, _, err := Assemble(src)
		require.NoError(t, err)
		return &Method{Holder: "A", Name: "f", Static: true, MaxLocals: 2, MaxStack: 2, Code: code, Pool: pool}
	}

	t.Run("valid method", func(t *testing.T) {
		instructions, err := Precheck(method("invokestatic 1\nreturn"))
		require.NoError(t, err)
		assert.Len(t, instructions, 2)
	})

	t.Run("word typed instruction", func(t *testing.T) {
		_, err := Precheck(method("wload 0\npop\nreturn"))
		assert.ErrorIs(t, err, ErrUnsupportedByJIT)
	})

	t.Run("word typed field", func(t *testing.T) {
		_, err := Precheck(method("aload 0\ngetfield 0\npop\nreturn"))
		assert.ErrorIs(t, err, ErrUnsupportedByJIT)
	})

	t.Run("subroutine", func(t *testing.T) {
		_, err := Precheck(method("jsr s\nreturn\ns:\nastore 1\nret 1"))
		assert.ErrorIs(t, err, ErrUnsupportedByJIT)
	})

	t.Run("static mismatch", func(t *testing.T) {
		_, err := Precheck(method("invokevirtual 1\nreturn"))
		assert.ErrorIs(t, err, ErrMalformedCode)
	})

	t.Run("falling off the end", func(t *testing.T) {
		_, err := Precheck(method("nop"))
		assert.ErrorIs(t, err, ErrMalformedCode)
	})

	t.Run("handlers without operand stack", func(t *testing.T) {
		m := method("invokestatic 1\nreturn\nathrow")
		m.MaxStack = 0
		m.Handlers = []ExceptionHandler{{Start: 0, End: 3, Handler: 4}}

		assert.ErrorIs(t, m.Validate(), ErrInvalidMethod)
		_, err := Precheck(m)
		assert.ErrorIs(t, err, ErrInvalidMethod)

		m.MaxStack = 1
		assert.NoError(t, m.Validate())
	})
}

func TestPool(t *testing.T) {
	pool := NewPool(
		PoolEntry{Symbol: Symbol{Kind: SymField, Holder: "A", Name: "f", Type: KindRef}, Loaded: true, FieldOffset: 16},
		PoolEntry{Symbol: Symbol{Kind: SymField, Holder: "B", Name: "g", Type: KindInt}},
		PoolEntry{Symbol: Symbol{Kind: SymMethod, Holder: "C", Name: "m"}, Loaded: true, LinkageError: "IncompatibleClassChangeError"},
	)

	binding, ok := pool.Resolve(0).Binding()
	assert.True(t, ok)
	assert.Equal(t, 16, binding.FieldOffset)

	assert.False(t, pool.IsResolvableWithoutLoading(1))
	_, ok = pool.Resolve(1).Binding()
	assert.False(t, ok)
	assert.ErrorIs(t, pool.Resolve(1).Cause(), ErrNotLoaded)

	assert.True(t, pool.IsResolvableWithoutLoading(2))
	assert.ErrorIs(t, pool.Resolve(2).Cause(), ErrLinkage)

	assert.ErrorIs(t, pool.Resolve(3).Cause(), ErrPoolIndexOutOfBounds)
}

func TestParseMethodsFile(t *testing.T) {
	methods, err := ParseMethodsFile([]byte(`
methods:
  - holder: demo/Main
    name: get
    params: [ref]
    result: ref
    static: true
    max-locals: 1
    max-stack: 1
    code: |
      start:
        aload 0
        getfield 0
      end:
        areturn
      handler:
        athrow
    handlers:
      - {start: start, end: end, handler: handler, catch: demo/Error}
    pool:
      - {kind: field, holder: demo/Main, name: next, type: ref, loaded: true, field-offset: 8}
`))
	require.NoError(t, err)
	require.Len(t, methods, 1)

	m := methods[0]
	assert.Equal(t, "demo/Main.get(ref)ref", m.String())
	assert.Equal(t, []ExceptionHandler{{Start: 0, End: 5, Handler: 6, CatchType: "demo/Error"}}, m.Handlers)

	binding, ok := m.Pool.Resolve(0).Binding()
	assert.True(t, ok)
	assert.Equal(t, 8, binding.FieldOffset)
}
