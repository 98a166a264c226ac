package main

import (
	"flag"
	"fmt"
	"io"
	"slices"
)

const (
	COMPILE_SUBCMD               = "compile"
	INSPECT_SUBCMD               = "inspect"
	DEOPT_DEMO_SUBCMD            = "deopt-demo"
	CATALOG_SUBCMD               = "catalog"
	CONFIG_SUBCMD                = "config"
	INSTALL_COMPLETIONS_SUBCMD   = "install-completions"
	UNINSTALL_COMPLETIONS_SUBCMD = "uninstall-completions"
	HELP_SUBCMD                  = "help"
)

var (
	SUBCOMMANDS = []string{
		COMPILE_SUBCMD, INSPECT_SUBCMD, DEOPT_DEMO_SUBCMD, CATALOG_SUBCMD, CONFIG_SUBCMD,
		INSTALL_COMPLETIONS_SUBCMD, UNINSTALL_COMPLETIONS_SUBCMD, HELP_SUBCMD,
	}

	HELP_SUBCMD_EQUIVALENTS = []string{"--help", "-help", "-h"}

	CLI_SUBCOMMAND_DESCRIPTIONS = [][2]string{
		{COMPILE_SUBCMD, "translate the methods of a .tjit.yaml file and print a summary of the compiled code"},
		{INSPECT_SUBCMD, "list the compiled methods of the code store"},
		{DEOPT_DEMO_SUBCMD, "deoptimize a sample optimized frame and print the rebuilt frames"},
		{CATALOG_SUBCMD, "print the synthetic template catalog of a platform"},
		{CONFIG_SUBCMD, "print the effective configuration"},

		{INSTALL_COMPLETIONS_SUBCMD, "install CLI completions by addding the completion command to the detected rc file (supported shells are bash, zsh and fish)"},
		{UNINSTALL_COMPLETIONS_SUBCMD, "uninstall CLI completions by removing the completion command from the detected rc file"},
		{HELP_SUBCMD, "show the general help or command-specific help"},
	}

	CLI_SUBCOMMAND_DESCRIPTION_MAP = map[string]string{}

	TJIT_CMD_HELP = "commands:\n"
)

func init() {
	for _, entry := range CLI_SUBCOMMAND_DESCRIPTIONS {
		cmd, desc := entry[0], entry[1]
		CLI_SUBCOMMAND_DESCRIPTION_MAP[cmd] = desc
		TJIT_CMD_HELP += "\t" + cmd + " - " + desc + "\n"
	}
	TJIT_CMD_HELP += "\nType `tjit help <command>` to get command-specific help.\n"
}

func showHelp(flags *flag.FlagSet, args []string, out io.Writer) bool {
	//only show help
	if slices.Contains(args, "-h") || slices.Contains(args, "--help") {

		cmd := flags.Name()
		if desc, ok := CLI_SUBCOMMAND_DESCRIPTION_MAP[cmd]; ok {
			fmt.Fprintln(out, desc)
		}

		flags.SetOutput(out)
		fmt.Fprint(out, "\noptions:\n")
		flags.PrintDefaults()

		return true
	}

	return false
}

// newFlagSet returns a flag set whose errors are returned by Parse, the usage is printed by showHelp.
func newFlagSet(subcommand string, errW io.Writer) *flag.FlagSet {
	flags := flag.NewFlagSet(subcommand, flag.ContinueOnError)
	flags.SetOutput(errW)
	flags.Usage = func() {}
	return flags
}
