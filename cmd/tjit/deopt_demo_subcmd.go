package main

import (
	_ "embed"
	"fmt"
	"io"

	"github.com/inoxlang/tjit/internal/bytecode"
	"github.com/inoxlang/tjit/internal/config"
	"github.com/inoxlang/tjit/internal/deopt"
	"github.com/inoxlang/tjit/internal/stops"
	"github.com/inoxlang/tjit/internal/target"
	"github.com/inoxlang/tjit/internal/translator"
	"github.com/rs/zerolog"
)

const (
	DEMO_OPTIMIZED_CODE_SIZE = 64
	DEMO_PARENT_CODE_SIZE    = 32

	//code positions of the stops of the optimized demo/Outer.run.
	DEMO_DIRECT_CALL_POS   = 10
	DEMO_SAFEPOINT_POS     = 30
	DEMO_INDIRECT_CALL_POS = 40

	DEMO_ARGUMENT_REF  deopt.Word = 0xa0
	DEMO_INT_LOCAL     deopt.Word = 7
	DEMO_RESULT_REF    deopt.Word = 0xb0
	DEMO_EXCEPTION_REF deopt.Word = 0xe0
	DEMO_MOVE_DISTANCE deopt.Word = 0x100

	DEMO_EXCEPTION_TYPE = "demo/Error"
)

var (
	//go:embed deopt_demo.tjit.yaml
	DEOPT_DEMO_METHODS []byte
)

func RunDeoptDemo(args []string, outW, errW io.Writer) int {
	flags := newFlagSet(DEOPT_DEMO_SUBCMD, errW)

	var (
		configPath  string
		occurrence  string
		exception   string
		collections int
		backOff     string
	)
	flags.StringVar(&configPath, "config", "", "path of the configuration file")
	flags.StringVar(&occurrence, "occurrence", deopt.Return.String(), "trap site: return, none or safepoint")
	flags.StringVar(&exception, "exception", "", "pending exception: caught or uncaught")
	flags.IntVar(&collections, "collections", 0, "number of collections occurring during the rebuild of the frames")
	flags.StringVar(&backOff, "backoff", "", "back-off policy of the retries, overrides the configuration")

	if showHelp(flags, args, outW) {
		return 0
	}
	if err := flags.Parse(args); err != nil {
		return ERROR_STATUS_CODE
	}

	cfg, logger, ok := loadConfig(configPath, errW)
	if !ok {
		return ERROR_STATUS_CODE
	}
	if backOff != "" {
		cfg.Deopt.RetryBackOff = backOff
	}

	demo, err := newDeoptDemo(cfg, logger)
	if err != nil {
		fmt.Fprintln(errW, err)
		return ERROR_STATUS_CODE
	}

	var trapPos int
	switch occurrence {
	case deopt.Return.String():
		trapPos = DEMO_DIRECT_CALL_POS + demo.platform.DirectCallSize
	case deopt.None.String():
		trapPos = DEMO_INDIRECT_CALL_POS + demo.platform.IndirectCallSize
	case deopt.Safepoint.String():
		trapPos = DEMO_SAFEPOINT_POS
	default:
		fmt.Fprintf(errW, "invalid occurrence %q\n", occurrence)
		return ERROR_STATUS_CODE
	}

	registry := target.NewRegistry(config.DEFAULT_REGISTRY_CACHE_SIZE)
	collector := &deopt.SimulatedCollector{}

	deoptConfig, err := cfg.DeoptConfig(logger, registry)
	if err != nil {
		fmt.Fprintln(errW, err)
		return ERROR_STATUS_CODE
	}
	deoptConfig.Collector = collector
	deoptConfig.Observer = func(t deopt.Transition) {
		fmt.Fprintf(outW, "  -> %s (attempt %d)\n", t.State, t.Attempt)
		if t.State == deopt.Rebuilding && t.Attempt <= collections {
			collector.RequestCollection()
		}
	}
	deoptimizer := deopt.New(deoptConfig)

	fmt.Fprintf(outW, "invalidate %s\n", demo.optimized)
	if _, err := deoptimizer.Invalidate(demo.optimized); err != nil {
		fmt.Fprintln(errW, err)
		return ERROR_STATUS_CODE
	}

	thread := demo.trappedThread(registry, trapPos)
	source, _ := thread.Stack.TopFrame()

	//collections move the argument of demo/Outer.run.
	collector.OnCollect = func(epoch uint64) {
		moved := DEMO_ARGUMENT_REF + deopt.Word(epoch)*DEMO_MOVE_DISTANCE
		thread.Stack.Write(source.Base, moved, true)
		fmt.Fprintf(outW, "  collection %d: argument moved to %#x\n", epoch, moved)
	}

	switch exception {
	case "":
	case "caught":
		thread.PendingException = &deopt.Exception{Type: DEMO_EXCEPTION_TYPE, Ref: DEMO_EXCEPTION_REF}
	case "uncaught":
		thread.PendingException = &deopt.Exception{Type: "demo/OtherError", Ref: DEMO_EXCEPTION_REF}
	default:
		fmt.Fprintf(errW, "invalid exception %q\n", exception)
		return ERROR_STATUS_CODE
	}

	fmt.Fprintf(outW, "trap at %#x\n", thread.Context().IP)
	printStack(outW, thread)

	result, err := deoptimizer.HandleTrap(thread)
	if err != nil {
		fmt.Fprintln(errW, err)
		return ERROR_STATUS_CODE
	}

	fmt.Fprintln(outW, LINE_SEP[1:])
	fmt.Fprintf(outW, "occurrence: %s, stop: %d, frames: %d, retries: %d, reexecute: %t, adapter: %t\n",
		result.Occurrence, result.StopIndex, result.Frames, result.Retries, result.Reexecute, result.AdapterFrame)
	if result.ExceptionHandled {
		fmt.Fprintln(outW, "the pending exception is handled by a rebuilt frame")
	}
	if result.ExceptionPropagated {
		fmt.Fprintln(outW, "the pending exception is propagated to the caller")
	}

	ctx := thread.Context()
	fmt.Fprintf(outW, "resume at %#x (sp %d, fp %d)\n", ctx.IP, ctx.SP, ctx.FP)
	printStack(outW, thread)
	return 0
}

type deoptDemo struct {
	platform target.Platform

	outerJIT, innerJIT *target.CompiledMethod
	optimized, parent  *target.CompiledMethod
}

func newDeoptDemo(cfg config.Config, logger zerolog.Logger) (*deoptDemo, error) {
	methods, err := bytecode.ParseMethodsFile(DEOPT_DEMO_METHODS)
	if err != nil {
		return nil, err
	}
	outer, inner, mainMethod := methods[0], methods[1], methods[2]

	catalog, err := cfg.Templates()
	if err != nil {
		return nil, err
	}

	demo := &deoptDemo{platform: cfg.PlatformValue()}
	opts := cfg.TranslatorOptions(logger)

	demo.outerJIT, err = translator.Translate(outer, catalog, opts)
	if err != nil {
		return nil, err
	}
	demo.innerJIT, err = translator.Translate(inner, catalog, opts)
	if err != nil {
		return nil, err
	}

	//inner is inlined at the invoke of outer, the optimized code keeps the argument in the slot 0 of the frame
	//and the int local of inner in the slot 3.
	outerAtCall := &target.FrameDescriptor{
		Method:      outer,
		JIT:         demo.outerJIT,
		BytecodePos: 4,
		Locals:      []target.ValueLocation{target.StackSlotLocation(0, true)},
	}
	innerAtCall := &target.FrameDescriptor{
		Caller:      outerAtCall,
		Method:      inner,
		JIT:         demo.innerJIT,
		BytecodePos: 4,
		Locals:      []target.ValueLocation{target.StackSlotLocation(0, true), target.StackSlotLocation(3, false)},
		Stack:       []target.ValueLocation{target.StackSlotLocation(3, false)},
	}
	outerAtSafepoint := &target.FrameDescriptor{
		Method:      outer,
		JIT:         demo.outerJIT,
		BytecodePos: 2,
		Locals:      []target.ValueLocation{target.StackSlotLocation(0, true)},
		Stack:       []target.ValueLocation{target.StackSlotLocation(0, true)},
	}

	p := demo.platform
	demo.optimized, err = target.NewOptimizedMethod(outer, p, make([]byte, DEMO_OPTIMIZED_CODE_SIZE), []target.OptimizedStop{
		{
			Stop:       stops.NewDirectCall(DEMO_DIRECT_CALL_POS, p.DirectCallSize, "demo/Helper.touch(ref)ref", false, true),
			Descriptor: innerAtCall,
		},
		{
			Stop:       stops.NewSafepoint(DEMO_SAFEPOINT_POS, 0),
			Descriptor: outerAtSafepoint,
		},
		{
			Stop:       stops.NewIndirectCall(DEMO_INDIRECT_CALL_POS, p.IndirectCallSize, false),
			Descriptor: innerAtCall,
		},
	})
	if err != nil {
		return nil, err
	}

	demo.parent, err = target.NewOptimizedMethod(mainMethod, p, make([]byte, DEMO_PARENT_CODE_SIZE), nil)
	if err != nil {
		return nil, err
	}
	return demo, nil
}

// trappedThread returns a thread executing the optimized demo/Outer.run called by demo/Main.main.
func (d *deoptDemo) trappedThread(registry *target.Registry, trapPos int) *deopt.Thread {
	thread := deopt.NewThread("demo", d.platform)
	stack := thread.Stack

	stack.Push(deopt.Frame{Kind: deopt.OptimizedFrame, Method: d.parent, Size: 1})
	source := stack.Push(deopt.Frame{
		Kind:          deopt.OptimizedFrame,
		Method:        d.optimized,
		Size:          4,
		ReturnAddress: registry.Install(d.parent) + 8,
	})
	stack.Write(source.Base, DEMO_ARGUMENT_REF, true)
	stack.Write(source.Base+3, DEMO_INT_LOCAL, false)
	thread.Registers[d.platform.ReturnRegister] = DEMO_RESULT_REF

	thread.SetContext(deopt.Context{
		IP: registry.Install(d.optimized) + uint64(trapPos),
		SP: stack.Top(),
		FP: source.Base,
	})
	return thread
}

func printStack(w io.Writer, thread *deopt.Thread) {
	stack := thread.Stack
	for i := len(stack.Frames) - 1; i >= 0; i-- {
		frame := stack.Frames[i]
		fmt.Fprintf(w, "  %s, return address %#x\n", frame, frame.ReturnAddress)

		for slot := frame.Base; slot < frame.End(); slot++ {
			value := stack.Read(slot)
			if value == 0 {
				continue
			}
			ref := ""
			if stack.IsRef(slot) {
				ref = " (ref)"
			}
			fmt.Fprintf(w, "    [%d] %#x%s\n", slot, value, ref)
		}
	}
}
