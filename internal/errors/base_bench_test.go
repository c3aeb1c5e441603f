package errors

import (
	"errors"
	"testing"
)

var errWrapped = errors.New("wrapped error")

func BenchmarkWrap(b *testing.B) {
	b.Run("wrap nil", func(b *testing.B) {
		for b.Loop() {
			err := Wrap(nil, "risk: nil error")
			_ = err
		}
	})

	b.Run("wrap error", func(b *testing.B) {
		for b.Loop() {
			err := Wrap(errWrapped, "place order")
			_ = err.Error()
		}
	})

	b.Run("wrapf error", func(b *testing.B) {
		for b.Loop() {
			err := Wrapf(errWrapped, "place order, attempt: %d", 3)
			_ = err.Error()
		}
	})

	b.Run("is through chain", func(b *testing.B) {
		err := Wrap(Wrap(errWrapped, "inner"), "outer")
		for b.Loop() {
			_ = Is(err, errWrapped)
		}
	})
}
