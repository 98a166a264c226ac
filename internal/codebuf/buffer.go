package codebuf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrPatchOutOfBounds = errors.New("patch out of bounds")
)

// Buffer is an append-only, randomly patchable sink for machine code.
// Multi-byte values are little-endian.
type Buffer struct {
	code []byte
}

func New(initialCapacity int) *Buffer {
	return &Buffer{code: make([]byte, 0, initialCapacity)}
}

// Position returns the offset of the next emitted byte.
func (b *Buffer) Position() int {
	return len(b.code)
}

func (b *Buffer) Emit(bytes []byte) {
	b.code = append(b.code, bytes...)
}

func (b *Buffer) EmitByte(v byte) {
	b.code = append(b.code, v)
}

func (b *Buffer) EmitInt32(v int32) {
	b.code = binary.LittleEndian.AppendUint32(b.code, uint32(v))
}

// PatchInt32 overwrites the 4 bytes at pos.
func (b *Buffer) PatchInt32(pos int, v int32) {
	if pos < 0 || pos+4 > len(b.code) {
		panic(fmt.Errorf("%w: 4 bytes at %d, buffer size is %d", ErrPatchOutOfBounds, pos, len(b.code)))
	}
	binary.LittleEndian.PutUint32(b.code[pos:], uint32(v))
}

func (b *Buffer) ReadInt32(pos int) int32 {
	return int32(binary.LittleEndian.Uint32(b.code[pos:]))
}

// Bytes returns the emitted code, the slice is shared with the buffer.
func (b *Buffer) Bytes() []byte {
	return b.code
}
