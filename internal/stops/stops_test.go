package stops

import (
	"testing"

	"github.com/inoxlang/tjit/internal/memds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTemplate []Stop

func (t fakeTemplate) EmbeddedStops() []Stop {
	return t
}

func TestLedger(t *testing.T) {

	t.Run("packing groups stops by kind and preserves the discovery order of each zone", func(t *testing.T) {
		ledger := NewLedger(0)
		ledger.Add(NewSafepoint(40, 0))
		ledger.Add(NewDirectCall(30, 4, "B.g()void", false, false))
		ledger.Add(NewIndirectCall(20, 2, true))
		ledger.Add(NewDirectCall(10, 4, "runtime.resolve", true, true))
		ledger.Add(NewSafepoint(5, 0))

		table := ledger.Pack(4, 2, 0)
		require.NoError(t, table.Validate())

		assert.Equal(t, table.Len(), table.NumDirect+table.NumIndirect+table.NumSafepoints)
		assert.Equal(t, 2, table.NumDirect)
		assert.Equal(t, 1, table.NumIndirect)
		assert.Equal(t, 2, table.NumSafepoints)

		assert.Equal(t, []int{30, 10, 20, 40, 5}, table.CodePositions)
		assert.Equal(t, []Kind{DirectCall, DirectCall, IndirectCall, Safepoint, Safepoint}, []Kind{
			table.KindAt(0), table.KindAt(1), table.KindAt(2), table.KindAt(3), table.KindAt(4),
		})

		assert.Equal(t, []Callee{"B.g()void", "runtime.resolve"}, table.Callees)
		assert.False(t, table.IsRuntimeCall(0))
		assert.True(t, table.IsRuntimeCall(1))
		assert.False(t, table.IsRuntimeCall(2))

		assert.False(t, table.ResultIsRefAt(0))
		assert.True(t, table.ResultIsRefAt(1))
		assert.True(t, table.ResultIsRefAt(2))
		assert.False(t, table.ResultIsRefAt(3))

		assert.Equal(t, 34, table.ReturnPosition(0))
		assert.Equal(t, 22, table.ReturnPosition(2))

		assert.Equal(t, 5*4+2*2, table.RefMapSize())
	})

	t.Run("template stops are offset by the emission position", func(t *testing.T) {
		ledger := NewLedger(0)
		template := fakeTemplate{
			{Kind: DirectCall, Pos: 3, CallSize: 5, RuntimeCall: true, Callee: "runtime.resolveField"},
			{Kind: DirectCall, Pos: 10, CallSize: 5, BindCallSite: true},
			{Kind: Safepoint, Pos: 20},
		}

		count := ledger.AddTemplate(template, 100, 7, CallSite{Callee: "A.m()ref", ResultIsRef: true})
		assert.Equal(t, 3, count)

		recorded := ledger.Stops()
		assert.Equal(t, 103, recorded[0].Pos)
		assert.Equal(t, Callee("runtime.resolveField"), recorded[0].Callee)
		assert.Equal(t, 110, recorded[1].Pos)
		assert.Equal(t, Callee("A.m()ref"), recorded[1].Callee)
		assert.True(t, recorded[1].ResultIsRef)
		assert.False(t, recorded[1].BindCallSite)
		assert.False(t, recorded[0].ResultIsRef)
		assert.Equal(t, 120, recorded[2].Pos)

		for _, stop := range recorded {
			assert.Equal(t, 7, stop.BytecodePos)
		}

		//the template itself is not modified
		assert.Equal(t, 3, template[0].Pos)
	})

	t.Run("packing writes template slots and registers", func(t *testing.T) {
		var registers memds.BitSet32
		registers.Set(1)

		ledger := NewLedger(0)
		ledger.Add(Stop{Kind: IndirectCall, Pos: 0, CallSize: 2, TemplateRefSlots: []int{0}})
		ledger.Add(Stop{Kind: Safepoint, Pos: 8, RegisterMap: registers, TemplateRefSlots: []int{1}})

		table := ledger.Pack(6, 3, 2)

		assert.Equal(t, []int{2}, table.FrameRefSlots(0))
		assert.Equal(t, []int{3}, table.FrameRefSlots(1))
		assert.Equal(t, registers, table.RegisterRefMap(1))
		assert.Zero(t, table.RegisterRefMap(0))

		stop := table.StopAt(1)
		assert.Equal(t, Safepoint, stop.Kind)
		assert.Equal(t, registers, stop.RegisterMap)
	})

	t.Run("a template slot outside of the frame map is rejected", func(t *testing.T) {
		ledger := NewLedger(0)
		ledger.Add(Stop{Kind: Safepoint, TemplateRefSlots: []int{4}})

		assert.Panics(t, func() {
			ledger.Pack(4, 0, 1)
		})
	})
}

func TestPositionIndex(t *testing.T) {

	t.Run("round trip", func(t *testing.T) {
		index, err := EncodePositionIndex(map[int][]IndexedStop{
			5:  {{Index: 0}},
			12: {{Index: 1}, {Index: 2, RuntimeCall: true}},
			20: {{Index: 3}},
		})
		require.NoError(t, err)

		it := index.Iterator()
		var positions []int

		for bci := it.BytecodePosition(); bci != End; bci = it.BytecodePosition() {
			positions = append(positions, bci)

			if bci == 12 {
				assert.Equal(t, 1, it.NextStopIndex(true))
				assert.False(t, it.IsDirectRuntimeCall())
				assert.Equal(t, 2, it.NextStopIndex(false))
				assert.True(t, it.IsDirectRuntimeCall())
				assert.Equal(t, -1, it.NextStopIndex(false))
				assert.False(t, it.IsDirectRuntimeCall())

				//restart from the first stop
				assert.Equal(t, 1, it.NextStopIndex(true))
				assert.False(t, it.IsDirectRuntimeCall())
			} else {
				var stopIndices []int
				for stopIndex := it.NextStopIndex(true); stopIndex >= 0; stopIndex = it.NextStopIndex(false) {
					stopIndices = append(stopIndices, stopIndex)
					assert.False(t, it.IsDirectRuntimeCall())
				}
				assert.Len(t, stopIndices, 1)
			}
			it.Next()
		}

		assert.Equal(t, []int{5, 12, 20}, positions)
		assert.Equal(t, -1, it.NextStopIndex(true))
		assert.Equal(t, []int{1, 2}, index.StopsAt(12))
		assert.Nil(t, index.StopsAt(13))
	})

	t.Run("binary round trip", func(t *testing.T) {
		index, err := EncodePositionIndex(map[int][]IndexedStop{
			0: {{Index: 2, RuntimeCall: true}, {Index: 0}},
			9: {{Index: 1}},
		})
		require.NoError(t, err)

		data, err := index.MarshalBinary()
		require.NoError(t, err)
		assert.Len(t, data, 4*len(index))

		var decoded PositionIndex
		require.NoError(t, decoded.UnmarshalBinary(data))
		assert.Equal(t, index, decoded)
		assert.Equal(t, []int{0, 9}, decoded.Positions())
	})

	t.Run("a position without stops is rejected", func(t *testing.T) {
		_, err := EncodePositionIndex(map[int][]IndexedStop{5: {}})
		assert.ErrorIs(t, err, ErrEmptyPosition)

		_, err = NewPositionIndex([]uint32{PositionTag | 5, PositionTag | 12, 1})
		assert.ErrorIs(t, err, ErrEmptyPosition)

		_, err = NewPositionIndex([]uint32{PositionTag | 5, 0, PositionTag | 12})
		assert.ErrorIs(t, err, ErrEmptyPosition)
	})

	t.Run("malformed indices are rejected", func(t *testing.T) {
		_, err := NewPositionIndex([]uint32{0, PositionTag | 5})
		assert.ErrorIs(t, err, ErrMalformedIndex)

		_, err = NewPositionIndex([]uint32{PositionTag | 12, 0, PositionTag | 5, 1})
		assert.ErrorIs(t, err, ErrMalformedIndex)

		var index PositionIndex
		assert.ErrorIs(t, index.UnmarshalBinary([]byte{1, 2, 3}), ErrMalformedIndex)
	})

	t.Run("built from a table", func(t *testing.T) {
		ledger := NewLedger(0)
		ledger.Add(Stop{Kind: Safepoint, Pos: 0, BytecodePos: PrologueBCI})
		ledger.Add(Stop{Kind: DirectCall, Pos: 4, CallSize: 4, BytecodePos: 3, RuntimeCall: true})
		ledger.Add(Stop{Kind: IndirectCall, Pos: 12, CallSize: 2, BytecodePos: 3})
		ledger.Add(Stop{Kind: Safepoint, Pos: 20, BytecodePos: 8})
		table := ledger.Pack(1, 0, 0)

		index := BuildPositionIndex(table)
		assert.Equal(t, PositionIndex{PositionTag | 3, RuntimeCallTag | 0, 1, PositionTag | 8, 3}, index)

		it := index.Iterator()
		assert.True(t, it.Seek(8))
		assert.Equal(t, 3, it.NextStopIndex(false))
		assert.False(t, it.Seek(9))
		assert.Equal(t, End, it.BytecodePosition())
	})
}
