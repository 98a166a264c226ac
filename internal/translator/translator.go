package translator

import (
	"errors"
	"fmt"

	"github.com/inoxlang/tjit/internal/bytecode"
	"github.com/inoxlang/tjit/internal/codebuf"
	"github.com/inoxlang/tjit/internal/refmap"
	"github.com/inoxlang/tjit/internal/stops"
	"github.com/inoxlang/tjit/internal/target"
	"github.com/inoxlang/tjit/internal/template"
	"github.com/rs/zerolog"
	"github.com/tidwall/btree"
)

var (
	ErrUnsupportedInstruction = errors.New("unsupported instruction")
	ErrMissingTemplate        = errors.New("missing template")
	ErrMissingSlot            = errors.New("missing template slot")
)

const (
	DEFAULT_TEMPLATE_SLOTS = 2

	// number of code bytes emitted per bytecode byte, used to size the code buffer.
	CODE_EXPANSION_ESTIMATE = 8
)

type Options struct {
	Logger   zerolog.Logger
	Platform target.Platform

	// size of the template work area of the frames, in words.
	TemplateSlots int

	// width of the register reference maps, defaults to the number of callee-saved registers of the platform.
	RegisterMapWidth int

	// InstrumentCalls selects the instrumented templates for the resolved virtual and interface calls.
	InstrumentCalls bool

	VerifyRefMapInputs bool

	// Trace logs every emitted template.
	Trace bool
}

func (o Options) withDefaults() Options {
	if o.Platform.Name == "" {
		o.Platform = target.AMD64
	}
	if o.TemplateSlots <= 0 {
		o.TemplateSlots = DEFAULT_TEMPLATE_SLOTS
	}
	if o.RegisterMapWidth <= 0 {
		o.RegisterMapWidth = o.Platform.CalleeSavedRegisters
	}
	return o
}

// translator holds the state of the translation of a single method.
type translator struct {
	opts    Options
	logger  zerolog.Logger
	method  *bytecode.Method
	catalog template.Catalog
	layout  refmap.FrameLayout

	buf    *codebuf.Buffer
	ledger *stops.Ledger

	blocks        *refmap.BlockSet
	handlerStarts btree.Set[int]
	bciToPos      []int

	fixups   []fixup
	literals literalPool

	//position of the handler unlocking the monitor of synchronized methods.
	syncHandlerPos int
}

// Translate translates a method into native code made of the templates of the catalog.
// Methods that cannot be translated are rejected before any code is emitted.
func Translate(method *bytecode.Method, catalog template.Catalog, opts Options) (*target.CompiledMethod, error) {
	opts = opts.withDefaults()

	instructions, err := bytecode.Precheck(method)
	if err != nil {
		if errors.Is(err, bytecode.ErrUnsupportedByJIT) {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedInstruction, err)
		}
		return nil, err
	}

	t := &translator{
		opts:    opts,
		logger:  opts.Logger.With().Str("method", method.String()).Logger(),
		method:  method,
		catalog: catalog,
		layout: refmap.FrameLayout{
			TemplateSlots: opts.TemplateSlots,
			MaxLocals:     method.MaxLocals,
			MaxStack:      method.MaxStack,
		},
		buf:      codebuf.New(len(method.Code) * CODE_EXPANSION_ESTIMATE),
		ledger:   stops.NewLedger(len(method.Code) / 2),
		blocks:   refmap.NewBlockSet(0),
		bciToPos: make([]int, len(method.Code)+1),
	}
	for i := range t.bciToPos {
		t.bciToPos[i] = -1
	}
	for _, h := range method.Handlers {
		t.handlerStarts.Insert(h.Handler)
	}

	if err := t.emitPrologue(); err != nil {
		return nil, err
	}

	for _, ins := range instructions {
		if err := t.translateInstruction(ins); err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
	}
	t.bciToPos[len(method.Code)] = t.buf.Position()

	if err := t.emitEpilogue(); err != nil {
		return nil, err
	}

	ranges := t.buildExceptionRanges()

	if err := t.applyFixups(); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	table := t.ledger.Pack(t.layout.Width(), opts.RegisterMapWidth, 0)
	index := stops.BuildPositionIndex(table)

	err = refmap.Build(refmap.Input{
		Method:       method,
		Instructions: instructions,
		Blocks:       t.blocks,
		Table:        table,
		Index:        index,
		Layout:       t.layout,
		Options: refmap.Options{
			VerifyInputs: opts.VerifyRefMapInputs,
			Logger:       t.logger,
		},
	})
	if err != nil {
		return nil, err
	}

	compiled := target.NewCompiledMethod(method, target.KindJIT, opts.Platform)
	compiled.Code = t.buf.Bytes()
	compiled.Literals = t.literals.values
	compiled.Stops = table
	compiled.PositionIndex = index
	compiled.BytecodeToCode = t.bciToPos
	compiled.ExceptionRanges = ranges
	compiled.Frame = t.layout

	if err := compiled.Validate(); err != nil {
		return nil, err
	}

	t.logger.Debug().
		Int("code-size", len(compiled.Code)).
		Int("stops", table.Len()).
		Int("literals", len(compiled.Literals)).
		Msg("method translated")

	return compiled, nil
}

// emitTemplate emits the template of (op, selector) and records its stops.
func (t *translator) emitTemplate(tmpl *template.Template, bci int, site stops.CallSite) int {
	start := t.buf.Position()
	t.buf.Emit(tmpl.Code)
	t.ledger.AddTemplate(tmpl, start, bci, site)

	if t.opts.Trace {
		t.logger.Debug().Int("bci", bci).Str("template", tmpl.Tag.String()).Int("pos", start).Msg("emit")
	}
	return start
}

func (t *translator) lookup(op bytecode.Opcode, selector template.Selector) (*template.Template, error) {
	tmpl, ok := t.catalog.Lookup(op, selector)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingTemplate, template.Tag{Op: op, Selector: selector})
	}
	return tmpl, nil
}

// emit emits the template of (op, NoAssumption), the template has no call bound at emission.
func (t *translator) emit(op bytecode.Opcode, bci int) (*template.Template, int, error) {
	tmpl, err := t.lookup(op, template.NoAssumption)
	if err != nil {
		return nil, 0, err
	}
	return tmpl, t.emitTemplate(tmpl, bci, stops.CallSite{}), nil
}

// patch writes value in the slots of the given kind of a template emitted at start and returns
// the number of patched slots.
func (t *translator) patch(tmpl *template.Template, start int, kind template.SlotKind, value int) int {
	slots := tmpl.SlotsOf(kind)
	for _, slot := range slots {
		t.buf.PatchInt32(start+slot.Offset, int32(value))
	}
	return len(slots)
}

func (t *translator) emitPrologue() error {
	tmpl, start, err := t.emit(template.OpPrologue, stops.PrologueBCI)
	if err != nil {
		return err
	}
	t.patch(tmpl, start, template.SlotFrameSize, t.layout.Width()*t.opts.Platform.WordSize)

	if t.method.Synchronized {
		if _, _, err := t.emit(template.OpLock, stops.PrologueBCI); err != nil {
			return err
		}
	}
	return nil
}

// emitEpilogue emits the code following the body: the handler of synchronized methods that releases
// the monitor and rethrows, and the padding receiving the trap that follows the last call.
func (t *translator) emitEpilogue() error {
	if t.method.Synchronized {
		t.syncHandlerPos = t.buf.Position()
		if _, _, err := t.emit(template.OpUnlock, stops.EpilogueBCI); err != nil {
			return err
		}
		if _, _, err := t.emit(template.OpRethrow, stops.EpilogueBCI); err != nil {
			return err
		}
	}

	for i := 0; i < t.opts.Platform.TrapSize(); i++ {
		t.buf.EmitByte(template.FILLER_BYTE)
	}
	return nil
}
