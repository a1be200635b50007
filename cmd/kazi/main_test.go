package main

import (
	"errors"
	"fmt"
	"testing"
)

func TestExitCode(t *testing.T) {
	if got := exitCode(errors.New("bad config")); got != 1 {
		t.Errorf("startup failure exit code = %d, want 1", got)
	}
	rerr := runtimeError{errors.New("listener died")}
	if got := exitCode(rerr); got != 2 {
		t.Errorf("runtime failure exit code = %d, want 2", got)
	}
	// Wrapping preserves the classification.
	if got := exitCode(fmt.Errorf("worker: %w", rerr)); got != 2 {
		t.Errorf("wrapped runtime failure exit code = %d, want 2", got)
	}
}
