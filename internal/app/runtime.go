package app

import (
	"os"
	"sync"
	"sync/atomic"
)

// TestModeEnv is set by test binaries so the entrypoints return before
// dialling Postgres, Redis or the queue.
const TestModeEnv = "TAX_TEST_MODE"

var (
	testMode     atomic.Bool
	testModeOnce sync.Once
)

func readTestMode() {
	testMode.Store(os.Getenv(TestModeEnv) == "1")
}

// InTestMode reports whether the binaries should skip startup.
func InTestMode() bool {
	testModeOnce.Do(readTestMode)
	return testMode.Load()
}

// RefreshTestMode re-reads the flag after the environment changed.
func RefreshTestMode() {
	readTestMode()
}
