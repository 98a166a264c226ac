package main

import (
	"fmt"
	"io"

	"github.com/inoxlang/tjit/internal/bytecode"
	"github.com/inoxlang/tjit/internal/codestore"
	"github.com/inoxlang/tjit/internal/stops"
	"github.com/inoxlang/tjit/internal/target"
	"github.com/inoxlang/tjit/internal/translator"
	"github.com/inoxlang/tjit/internal/utils"
)

func CompileMethods(args []string, outW, errW io.Writer) (exitCode int) {
	flags := newFlagSet(COMPILE_SUBCMD, errW)

	var (
		configPath string
		storePath  string
		platform   string
		printJSON  bool
		store      bool
	)
	flags.StringVar(&configPath, "config", "", "path of the configuration file")
	flags.StringVar(&storePath, "store-path", "", "path of the code store, overrides the configuration")
	flags.StringVar(&platform, "platform", "", "target platform, overrides the configuration")
	flags.BoolVar(&printJSON, "json", false, "print the records of the compiled methods as JSON")
	flags.BoolVar(&store, "store", false, "add the compiled methods to the code store")

	if showHelp(flags, args, outW) {
		return 0
	}
	if err := flags.Parse(args); err != nil {
		return ERROR_STATUS_CODE
	}

	fpath := flags.Arg(0)
	if fpath == "" {
		fmt.Fprintf(errW, "missing method file path\n")
		return ERROR_STATUS_CODE
	}

	cfg, logger, ok := loadConfig(configPath, errW)
	if !ok {
		return ERROR_STATUS_CODE
	}
	if platform != "" {
		cfg.Platform = platform
	}
	if storePath != "" {
		cfg.CodeStoreFile = storePath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(errW, err)
		return ERROR_STATUS_CODE
	}

	catalog, err := cfg.Templates()
	if err != nil {
		fmt.Fprintln(errW, err)
		return ERROR_STATUS_CODE
	}

	methods, err := bytecode.ReadMethodsFile(fpath)
	if err != nil {
		fmt.Fprintln(errW, err)
		return ERROR_STATUS_CODE
	}

	opts := cfg.TranslatorOptions(logger)
	var compiled []*target.CompiledMethod

	for _, m := range methods {
		result, err := translator.Translate(m, catalog, opts)
		if err != nil {
			fmt.Fprintln(errW, err)
			exitCode = ERROR_STATUS_CODE
			continue
		}
		compiled = append(compiled, result)
	}

	if printJSON {
		records := make([]codestore.Record, 0, len(compiled))
		for _, m := range compiled {
			records = append(records, codestore.NewRecord(m))
		}
		fmt.Fprintf(outW, "%s\n", utils.Must(utils.MarshalIndentJSON(records)))
	} else {
		for i, m := range compiled {
			if i > 0 {
				fmt.Fprintln(outW)
			}
			printSummary(outW, m)
		}
	}

	if store && len(compiled) > 0 {
		path, err := cfg.CodeStorePath()
		if err != nil {
			fmt.Fprintln(errW, err)
			return ERROR_STATUS_CODE
		}

		codeStore, err := codestore.Open(codestore.Config{Path: path, Logger: logger})
		if err != nil {
			fmt.Fprintln(errW, err)
			return ERROR_STATUS_CODE
		}
		defer codeStore.Close()

		for _, m := range compiled {
			if _, err := codeStore.Put(m); err != nil {
				fmt.Fprintln(errW, err)
				return ERROR_STATUS_CODE
			}
		}
		fmt.Fprintf(errW, "%d method(s) stored in %s\n", len(compiled), path)
	}

	return
}

func printSummary(w io.Writer, m *target.CompiledMethod) {
	table := m.Stops

	fmt.Fprintf(w, "%s  %s/%s  %s\n", m.Method, m.Kind, m.Platform.Name, m.ID)
	fmt.Fprintf(w, "  code: %d bytes, literals: %d, frame: %s\n", len(m.Code), len(m.Literals), m.Frame)
	fmt.Fprintf(w, "  stops: %d direct, %d indirect, %d safepoints\n", table.NumDirect, table.NumIndirect, table.NumSafepoints)

	for i := 0; i < table.Len(); i++ {
		fmt.Fprintf(w, "    #%d [%s] %s refs %v\n", i, bciName(table.BytecodePositions[i]), table.StopAt(i), table.FrameRefSlots(i))
	}

	for _, bci := range m.PositionIndex.Positions() {
		fmt.Fprintf(w, "  bci %d: stops %v\n", bci, m.PositionIndex.StopsAt(bci))
	}

	for _, r := range m.ExceptionRanges {
		if !r.HasHandler() {
			continue
		}
		fmt.Fprintf(w, "  handlers [%d, %d):", r.Start, r.End)
		for _, h := range r.Handlers {
			catch := h.CatchType
			if catch == "" {
				catch = "any"
			}
			fmt.Fprintf(w, " %s->%d", catch, h.Handler)
		}
		fmt.Fprintln(w)
	}
}

func bciName(bci int) string {
	switch bci {
	case stops.PrologueBCI:
		return "prologue"
	case stops.EpilogueBCI:
		return "epilogue"
	}
	return fmt.Sprintf("bci %d", bci)
}
