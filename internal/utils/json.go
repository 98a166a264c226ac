package utils

import (
	"github.com/goccy/go-json"
)

func MarshalIndentJSON(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
