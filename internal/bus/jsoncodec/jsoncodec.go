// Package jsoncodec centralises JSON encoding so envelope bodies go
// through one configuration. Sonic in std-compat mode keeps the wire
// format identical to encoding/json.
package jsoncodec

import "github.com/bytedance/sonic"

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}
