package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"

	"github.com/inoxlang/tjit/internal/codestore"
	"github.com/inoxlang/tjit/internal/utils"
	"github.com/maruel/natural"
)

func InspectCodeStore(args []string, outW, errW io.Writer) int {
	flags := newFlagSet(INSPECT_SUBCMD, errW)

	var (
		configPath string
		storePath  string
		method     string
		printJSON  bool
	)
	flags.StringVar(&configPath, "config", "", "path of the configuration file")
	flags.StringVar(&storePath, "store-path", "", "path of the code store, overrides the configuration")
	flags.StringVar(&method, "method", "", "only list the records of this method")
	flags.BoolVar(&printJSON, "json", false, "print the records as JSON")

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
	if storePath != "" {
		cfg.CodeStoreFile = storePath
	}

	path, err := cfg.CodeStorePath()
	if err != nil {
		fmt.Fprintln(errW, err)
		return ERROR_STATUS_CODE
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(errW, "no code store at %s\n", path)
		return ERROR_STATUS_CODE
	}

	codeStore, err := codestore.Open(codestore.Config{Path: path, ReadOnly: true, Logger: logger})
	if err != nil {
		fmt.Fprintln(errW, err)
		return ERROR_STATUS_CODE
	}
	defer codeStore.Close()

	var records []codestore.Record
	if method != "" {
		records, err = codeStore.ByMethod(method)
	} else {
		records, err = codeStore.List()
	}
	if err != nil {
		fmt.Fprintln(errW, err)
		return ERROR_STATUS_CODE
	}

	//methods in natural order, records of a method in compilation order.
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Method != records[j].Method {
			return natural.Less(records[i].Method, records[j].Method)
		}
		return records[i].ID < records[j].ID
	})

	if printJSON {
		fmt.Fprintf(outW, "%s\n", utils.Must(utils.MarshalIndentJSON(records)))
		return 0
	}

	for _, r := range records {
		fmt.Fprintf(outW, "%-40s %-9s %-7s %5d bytes %3d stops  %s  %s\n",
			r.Method, r.Kind, r.Platform, len(r.Code), r.Stops.Len(), r.ID, r.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	utils.PrintSmallLineSeparator(outW)
	fmt.Fprintf(outW, "%d record(s)\n", len(records))
	return 0
}
