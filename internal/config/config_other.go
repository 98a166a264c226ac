//go:build !unix

package config

import "os"

func targetSpecificInit() {
	if s, ok := os.LookupEnv("NO_COLOR"); ok {
		NO_COLOR = len(s) != 0 && s != "false" && s != "0"
	}
}
