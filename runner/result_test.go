package runner

import (
	"errors"
	"fmt"
	"testing"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		r    Result
		want int
	}{
		{"normal", Result{Status: StatusNormal}, 0},
		{"nonzero", Result{Status: StatusNonzeroExitStatus, ExitStatus: 3}, 3},
		{"signalled", Result{Status: StatusSignalled, ExitStatus: 0x80 | 15}, 143},
		{"disallowed", Result{Status: StatusDisallowedSyscall}, 137},
		{"runner error", Result{Status: StatusRunnerError, ExitStatus: 1}, RunnerErrorCode},
		{"invalid", Result{}, RunnerErrorCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.ExitCode(); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStatusError(t *testing.T) {
	err := fmt.Errorf("%w: ptrace", StatusDisallowedSyscall)
	if !errors.Is(err, StatusDisallowedSyscall) {
		t.Fatal("wrapped status not matched")
	}
	var s Status
	if !errors.As(err, &s) || s != StatusDisallowedSyscall {
		t.Errorf("errors.As = %v", s)
	}
	if Status(100).String() != statusString[0] {
		t.Error("out of range status")
	}
}
