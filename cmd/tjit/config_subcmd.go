package main

import (
	"fmt"
	"io"

	"github.com/inoxlang/tjit/internal/config"
)

func PrintConfig(args []string, outW, errW io.Writer) int {
	flags := newFlagSet(CONFIG_SUBCMD, errW)

	var (
		configPath string
		initialize bool
	)
	flags.StringVar(&configPath, "config", "", "path of the configuration file")
	flags.BoolVar(&initialize, "init", false, "create the default configuration file if there is no configuration file")

	if showHelp(flags, args, outW) {
		return 0
	}
	if err := flags.Parse(args); err != nil {
		return ERROR_STATUS_CODE
	}

	if initialize {
		path, err := config.CreateDefaultConfigFile()
		if err != nil {
			fmt.Fprintln(errW, err)
			return ERROR_STATUS_CODE
		}
		fmt.Fprintf(errW, "configuration file: %s\n", path)
	}

	cfg, path, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(errW, err)
		return ERROR_STATUS_CODE
	}

	if path == "" {
		fmt.Fprintln(outW, "# defaults (no configuration file)")
	} else {
		fmt.Fprintf(outW, "# %s\n", path)
	}

	data, err := cfg.Marshal()
	if err != nil {
		fmt.Fprintln(errW, err)
		return ERROR_STATUS_CODE
	}
	outW.Write(data)
	return 0
}
