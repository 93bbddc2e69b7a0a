package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShutdownOrder(t *testing.T) {
	s := NewShutdown(nil)
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		s.Add(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	assert.NoError(t, s.Close(context.Background()))
	assert.Equal(t, []string{"third", "second", "first"}, order)

	assert.NoError(t, s.Close(context.Background()))
	assert.Len(t, order, 3)
}

func TestShutdownCombinesErrors(t *testing.T) {
	s := NewShutdown(nil)
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	ran := 0
	s.Add("a", func(context.Context) error { ran++; return errA })
	s.Add("ok", func(context.Context) error { ran++; return nil })
	s.Add("b", func(context.Context) error { ran++; return errB })

	err := s.Close(context.Background())
	assert.Equal(t, 3, ran)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, err, s.Close(context.Background()))
}

func TestShutdownAddAfterClose(t *testing.T) {
	s := NewShutdown(nil)
	assert.NoError(t, s.Close(context.Background()))

	ran := false
	s.Add("late", func(context.Context) error { ran = true; return nil })
	assert.True(t, ran)
}
