// Copyright 2024 The go-equa Authors
// ti-oracle - signer package goroutine-leak test entry point

package signer

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
