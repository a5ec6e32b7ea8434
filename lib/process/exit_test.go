// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"testing"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"plain", errors.New("boom"), 1},
		{"exit error", &ExitError{Code: 2, Err: errors.New("usage")}, 2},
		{"wrapped", fmt.Errorf("submit: %w", &ExitError{Code: 3, Err: errors.New("rejected")}), 3},
		{"zero code", &ExitError{Err: errors.New("unset")}, 1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := ExitCode(test.err); got != test.want {
				t.Errorf("ExitCode = %d, want %d", got, test.want)
			}
		})
	}
}
