package main

import (
	"fmt"
	"io"
	"os"

	"github.com/inoxlang/tjit/internal/target"
	"github.com/inoxlang/tjit/internal/template"
)

const (
	CATALOG_FILE_PERM = 0o644
)

func PrintCatalog(args []string, outW, errW io.Writer) int {
	flags := newFlagSet(CATALOG_SUBCMD, errW)

	var (
		platformName string
		outputPath   string
	)
	flags.StringVar(&platformName, "platform", target.AMD64.Name, "platform of the synthetic templates")
	flags.StringVar(&outputPath, "o", "", "write the catalog to a file instead of the standard output")

	if showHelp(flags, args, outW) {
		return 0
	}
	if err := flags.Parse(args); err != nil {
		return ERROR_STATUS_CODE
	}

	platform, err := target.PlatformByName(platformName)
	if err != nil {
		fmt.Fprintln(errW, err)
		return ERROR_STATUS_CODE
	}

	lib := template.NewSyntheticLibrary(platform.TemplateShape())
	lib.Pregenerate()

	data, err := template.MarshalCatalog(lib)
	if err != nil {
		fmt.Fprintln(errW, err)
		return ERROR_STATUS_CODE
	}

	if outputPath == "" {
		outW.Write(data)
		return 0
	}

	if err := os.WriteFile(outputPath, data, CATALOG_FILE_PERM); err != nil {
		fmt.Fprintln(errW, err)
		return ERROR_STATUS_CODE
	}
	fmt.Fprintf(errW, "%d templates written to %s\n", lib.Len(), outputPath)
	return 0
}
