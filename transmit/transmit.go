// Package transmit implements the Kynto2 reliable messaging transport on top
// of unreliable datagrams: session establishment, message fragmentation and
// reassembly, acknowledgment based guaranteed delivery, retransmission with
// resend limits, idle and timeout detection, and send/receive rate shaping.
//
// The entry point is the Transmitter, which owns a datagram socket and two
// worker loops (receive, and send/housekeeping). Applications open outbound
// sessions with `OpenSession`, accept inbound sessions with
// `AcceptPendingSession`, and exchange messages per session with `Send`,
// `Receive` and `ReceiveControlMessage`.
package transmit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

// ByteCount is a size in bytes.
type ByteCount = int64

func kib(count ByteCount) ByteCount {
	return count * 1024
}

func mib(count ByteCount) ByteCount {
	return count * 1024 * 1024
}

// Id is a process-unique identity used to correlate log lines and metrics
// from multiple transmitters in one process. Wire-level session, packet and
// message ids are separate uint32 counters.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) Bytes() []byte {
	return self[:]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// HandleError runs `do`, recovering and logging any panic, then runs each
// handler in order. The worker loops wrap each iteration with this so that a
// poisoned datagram or a fail-fast protocol error never stops a loop.
func HandleError(do func(), handlers ...func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("Unexpected error: %s\n", ErrorJson(r, debug.Stack()))
			for _, handler := range handlers {
				handler()
			}
		}
	}()
	do()
}

// ErrorJson formats a recovered value and stack as a single json log line.
func ErrorJson(err any, stack []byte) string {
	errJson, _ := json.Marshal(fmt.Sprintf("%v", err))
	stackJson, _ := json.Marshal(string(stack))
	return fmt.Sprintf(`{"error":%s,"stack":%s}`, errJson, stackJson)
}

// IsDoneError returns whether an error is an expected result of shutting
// down, as opposed to a fault worth logging.
func IsDoneError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	return false
}
