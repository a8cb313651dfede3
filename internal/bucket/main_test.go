// Copyright 2024 The go-equa Authors
// ti-oracle - bucket package goroutine-leak test entry point

package bucket

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
