package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"slices"
	"time"
	"unicode"

	"github.com/inoxlang/tjit/internal/config"
	"github.com/inoxlang/tjit/internal/utils"
	"github.com/posener/complete/v2/install"
	"github.com/rs/zerolog"
)

const (
	ERROR_STATUS_CODE = 1

	COMMAND_NAME = "tjit"
	LINE_SEP     = "\n-----------------------------------------"
)

func main() {
	//handle completions
	completer.Complete(COMMAND_NAME)

	statusCode := _main(os.Args, os.Stdout, os.Stderr)
	if statusCode != 0 {
		os.Exit(statusCode)
	}
}

func _main(args []string, outW io.Writer, errW io.Writer) (statusCode int) {
	defer func() {
		if v := recover(); v != nil {
			err := utils.ConvertPanicValueToError(v)
			fmt.Fprintf(errW, "internal error: %s\n%s\n", err, debug.Stack())
			statusCode = ERROR_STATUS_CODE
		}
	}()

	if len(args) < 2 { //no subcommand specified
		fmt.Fprint(errW, TJIT_CMD_HELP)
		return ERROR_STATUS_CODE
	}

	mainSubCommand := args[1]
	mainSubCommandArgs := args[2:]

	//if the command has the shape help <subcommand> ... we modify the arguments to ask the subcommand to print its help message.
	if mainSubCommand == HELP_SUBCMD && len(mainSubCommandArgs) > 0 && mainSubCommandArgs[0] != "" && unicode.IsLetter(rune(mainSubCommandArgs[0][0])) {
		mainSubCommand = mainSubCommandArgs[0]
		mainSubCommandArgs = []string{"-h"}
	}

	if slices.Contains(HELP_SUBCMD_EQUIVALENTS, mainSubCommand) {
		mainSubCommand = HELP_SUBCMD
	}

	//unknown command
	if !slices.Contains(SUBCOMMANDS, mainSubCommand) {
		fmt.Fprintf(errW, "unknown command '%s'", mainSubCommand)

		closest, _, ok := utils.FindClosestString(context.Background(), SUBCOMMANDS, mainSubCommand, 2)
		if ok {
			fmt.Fprintf(errW, ", did you mean '%s' ?\n", closest)
		} else {
			fmt.Fprint(errW, "\n"+TJIT_CMD_HELP)
		}
		return ERROR_STATUS_CODE
	}

	switch mainSubCommand {
	case HELP_SUBCMD:
		fmt.Fprint(outW, TJIT_CMD_HELP)
		return
	case INSTALL_COMPLETIONS_SUBCMD:
		err := install.Install(COMMAND_NAME)
		if err != nil {
			fmt.Fprintln(errW, err)
			return ERROR_STATUS_CODE
		}
		fmt.Fprintln(outW, "installed")
		return
	case UNINSTALL_COMPLETIONS_SUBCMD:
		err := install.Uninstall(COMMAND_NAME)
		if err != nil {
			fmt.Fprintln(errW, err)
			return ERROR_STATUS_CODE
		}
		fmt.Fprintln(outW, "uninstalled")
		return
	case COMPILE_SUBCMD:
		return CompileMethods(mainSubCommandArgs, outW, errW)
	case INSPECT_SUBCMD:
		return InspectCodeStore(mainSubCommandArgs, outW, errW)
	case DEOPT_DEMO_SUBCMD:
		return RunDeoptDemo(mainSubCommandArgs, outW, errW)
	case CATALOG_SUBCMD:
		return PrintCatalog(mainSubCommandArgs, outW, errW)
	case CONFIG_SUBCMD:
		return PrintConfig(mainSubCommandArgs, outW, errW)
	}

	return
}

// loadConfig loads the configuration file and creates the logger of the command, the error is printed.
func loadConfig(path string, errW io.Writer) (config.Config, zerolog.Logger, bool) {
	cfg, _, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(errW, utils.StripANSISequences(err.Error()))
		return config.Config{}, zerolog.Nop(), false
	}
	return cfg, newLogger(cfg, errW), true
}

func newLogger(cfg config.Config, logOut io.Writer) zerolog.Logger {
	consoleWriter := zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = logOut
		w.NoColor = !config.SHOULD_COLORIZE
		w.TimeFormat = time.TimeOnly
	})
	return zerolog.New(consoleWriter).Level(cfg.Level()).With().Timestamp().Logger()
}
