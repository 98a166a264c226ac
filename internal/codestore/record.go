package codestore

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/inoxlang/tjit/internal/refmap"
	"github.com/inoxlang/tjit/internal/stops"
	"github.com/inoxlang/tjit/internal/target"
	"github.com/oklog/ulid/v2"
)

// A Record is the persisted form of a compiled method. The bytecode of the method is not stored.
type Record struct {
	ID        string    `json:"id"`
	Method    string    `json:"method"`
	Kind      string    `json:"kind"`
	Platform  string    `json:"platform"`
	CreatedAt time.Time `json:"createdAt"`

	Code     []byte             `json:"code"`
	Literals int                `json:"literals"`
	Frame    refmap.FrameLayout `json:"frame"`

	Stops           *stops.Table            `json:"stops"`
	PositionIndex   []uint32                `json:"positionIndex"`
	BytecodeToCode  []int                   `json:"bytecodeToCode"`
	ExceptionRanges []target.ExceptionRange `json:"exceptionRanges"`

	Armed       bool `json:"armed,omitempty"`
	Invalidated bool `json:"invalidated,omitempty"`
}

func NewRecord(m *target.CompiledMethod) Record {
	return Record{
		ID:        m.ID.String(),
		Method:    m.Method.String(),
		Kind:      m.Kind.String(),
		Platform:  m.Platform.Name,
		CreatedAt: ulid.Time(m.ID.Time()).UTC(),

		Code:     append([]byte(nil), m.Code...),
		Literals: len(m.Literals),
		Frame:    m.Frame,

		Stops:           m.Stops,
		PositionIndex:   []uint32(m.PositionIndex),
		BytecodeToCode:  m.BytecodeToCode,
		ExceptionRanges: m.ExceptionRanges,

		Armed:       m.IsArmed(),
		Invalidated: m.IsInvalidated(),
	}
}

// Index returns the validated position index of the record.
func (r Record) Index() (stops.PositionIndex, error) {
	return stops.NewPositionIndex(r.PositionIndex)
}

// StopsAt returns the indices of the stops of the instruction at bci.
func (r Record) StopsAt(bci int) ([]int, error) {
	index, err := r.Index()
	if err != nil {
		return nil, err
	}
	return index.StopsAt(bci), nil
}

func (r Record) Validate() error {
	if _, err := ulid.ParseStrict(r.ID); err != nil {
		return fmt.Errorf("%w: invalid ID %q: %w", ErrInvalidRecord, r.ID, err)
	}
	if r.Stops == nil {
		return fmt.Errorf("%w: %s has no stops table", ErrInvalidRecord, r.ID)
	}
	if err := r.Stops.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidRecord, r.ID, err)
	}
	if _, err := r.Index(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidRecord, r.ID, err)
	}
	return nil
}

func encodeRecord(r Record) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	return r, nil
}
