package main

import (
	"os"
	"strconv"

	"github.com/inoxlang/tjit/internal/bytecode"
	"github.com/inoxlang/tjit/internal/deopt"
	"github.com/inoxlang/tjit/internal/target"
	"github.com/posener/complete/v2"
	"github.com/posener/complete/v2/predict"
)

var (
	predictMethodFiles = predict.Files("*" + bytecode.METHOD_FILE_EXTENSION)
	predictYAMLFiles   = predict.Files("*.yaml")
	predictStoreFiles  = predict.Files("*.db")

	completer = CreateCompleter(func(c *Completer) *complete.Command {
		platforms := predict.Set(target.PlatformNames())

		return &complete.Command{
			Sub: map[string]*complete.Command{
				COMPILE_SUBCMD: {
					Flags: map[string]complete.Predictor{
						"config":     predictYAMLFiles,
						"json":       complete.PredictFunc(c.predictFileAfterSwitch),
						"store":      complete.PredictFunc(c.predictFileAfterSwitch),
						"store-path": predictStoreFiles,
						"platform":   platforms,
					},
					Args: predictMethodFiles,
				},
				INSPECT_SUBCMD: {
					Flags: map[string]complete.Predictor{
						"config":     predictYAMLFiles,
						"json":       predict.Nothing,
						"method":     predict.Something,
						"store-path": predictStoreFiles,
					},
				},
				DEOPT_DEMO_SUBCMD: {
					Flags: map[string]complete.Predictor{
						"config":      predictYAMLFiles,
						"occurrence":  predict.Set{"return", "none", "safepoint"},
						"exception":   predict.Set{"caught", "uncaught"},
						"collections": predict.Set{"0", "1", "2"},
						"backoff":     predict.Set(deopt.RetryBackOffPolicies()),
					},
				},
				CATALOG_SUBCMD: {
					Flags: map[string]complete.Predictor{
						"platform": platforms,
						"o":        predictYAMLFiles,
					},
				},
				CONFIG_SUBCMD: {
					Flags: map[string]complete.Predictor{
						"config": predictYAMLFiles,
						"init":   predict.Nothing,
					},
				},
				HELP_SUBCMD:                  {},
				INSTALL_COMPLETIONS_SUBCMD:   {},
				UNINSTALL_COMPLETIONS_SUBCMD: {},
			},
		}
	})
)

type Completer struct {
	*complete.Command
	currentCompLine  string
	currentCompPoint int //-1 if not retrieved
}

func CreateCompleter(create func(c *Completer) *complete.Command) *Completer {
	c := &Completer{currentCompPoint: -1}
	c.Command = create(c)
	return c
}

func (c *Completer) Complete(name string) {
	c.currentCompLine = os.Getenv("COMP_LINE")
	c.currentCompPoint, _ = strconv.Atoi(os.Getenv("COMP_POINT")) //ignore error because .Complete will also check the value

	if c.currentCompPoint > len(c.currentCompLine) {
		c.currentCompPoint = len(c.currentCompLine)
	}

	c.Command.Complete(name)
}

func (c *Completer) beforeCursorPoint() string {
	if c.currentCompPoint < 0 {
		return ""
	}
	return c.currentCompLine[:c.currentCompPoint]
}

func (c *Completer) predictFileAfterSwitch(prefix string) (results []string) {
	s := c.beforeCursorPoint()
	if s == "" {
		return
	}

	switch s[len(s)-1] {
	case '=':
		//The flag is a switch, it does not accept any value.
		return
	default:
		return predictMethodFiles.Predict(prefix)
	}
}
