// Copyright 2024 The go-equa Authors
// ti-oracle - hex encoding helpers

package roundengine

import (
	"encoding/hex"
	"strings"
)

func hexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
