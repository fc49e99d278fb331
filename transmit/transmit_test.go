package transmit

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// assertPanics fails the test unless do panics.
func assertPanics(t *testing.T, do func()) {
	t.Helper()
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected a panic")
		}
	}()
	do()
}

func TestId(t *testing.T) {
	a := NewId()
	b := NewId()
	assert.NotEqual(t, a, b)
	assert.Equal(t, len(a.Bytes()), 16)
	assert.Equal(t, len(a.String()), 26)
}

func TestHandleError(t *testing.T) {
	handled := 0
	HandleError(func() {
		panic(fmt.Errorf("boom"))
	}, func() {
		handled += 1
	}, func() {
		handled += 1
	})
	assert.Equal(t, handled, 2)

	// no panic, no handlers
	ran := false
	HandleError(func() {
		ran = true
	}, func() {
		handled += 1
	})
	assert.Equal(t, ran, true)
	assert.Equal(t, handled, 2)
}

func TestIsDoneError(t *testing.T) {
	assert.Equal(t, IsDoneError(context.Canceled), true)
	assert.Equal(t, IsDoneError(net.ErrClosed), true)
	assert.Equal(t, IsDoneError(io.EOF), true)
	assert.Equal(t, IsDoneError(fmt.Errorf("socket fault")), false)
	assert.Equal(t, IsDoneError(fmt.Errorf("wrap: %w", net.ErrClosed)), true)
}

func TestByteCountHelpers(t *testing.T) {
	assert.Equal(t, kib(1), ByteCount(1024))
	assert.Equal(t, kib(64), ByteCount(65536))
	assert.Equal(t, mib(1), ByteCount(1048576))
	assert.Equal(t, mib(8), ByteCount(8388608))
}
