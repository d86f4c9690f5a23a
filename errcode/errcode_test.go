package errcode

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestCodesAreStableStrings(t *testing.T) {
	cases := map[string]Code{
		"ok":              OK,
		"unknown_action":  UnknownAction,
		"invalid_address": InvalidAddress,
		"not_connected":   NotConnected,
		"write_failed":    WriteFailed,
		"read_failed":     ReadFailed,
		"disconnected":    Disconnected,
		"timeout":         Timeout,
	}
	for want, c := range cases {
		if c.Error() != want {
			t.Fatalf("code %q mismatch: got %q", want, c.Error())
		}
	}
}

func TestOf(t *testing.T) {
	if got := Of(nil); got != OK {
		t.Fatalf("Of(nil) = %q", got)
	}
	if got := Of(UnknownAction); got != UnknownAction {
		t.Fatalf("Of(code) = %q", got)
	}
	if got := Of(fmt.Errorf("dispatch: %w", WriteFailed)); got != WriteFailed {
		t.Fatalf("Of(wrapped code) = %q", got)
	}
	if got := Of(Wrap(Timeout, "read", context.DeadlineExceeded)); got != Timeout {
		t.Fatalf("Of(E) = %q", got)
	}
	if got := Of(errors.New("boom")); got != Error {
		t.Fatalf("Of(plain) = %q", got)
	}
}

func TestWrap(t *testing.T) {
	if Wrap(Error, "op", nil) != nil {
		t.Fatal("Wrap(nil) must be nil")
	}
	err := Wrap(WriteFailed, "write", context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("cause not preserved")
	}
	if err.Error() != "write: write_failed: context deadline exceeded" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
