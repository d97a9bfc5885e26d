package ble

import (
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// Mode selects whether a request reads or writes its characteristic.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

func (m Mode) String() string {
	if m == ModeRead {
		return "read"
	}
	return "write"
}

// Status is the outcome of a Command.
type Status int

const (
	StatusUnknown Status = iota
	StatusSuccess
	StatusFail
	StatusWaiting
	StatusRequestTimeout
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFail:
		return "fail"
	case StatusWaiting:
		return "waiting"
	case StatusRequestTimeout:
		return "request-timeout"
	}
	return "unknown"
}

// DefaultRequestTimeout applies when a Request leaves Timeout zero.
const DefaultRequestTimeout = 10 * time.Second

// Request describes one logical operation against the peripheral.
type Request struct {
	// Characteristic is written in write mode and read in read mode.
	Characteristic string
	// ResponseCharacteristic delivers the reply of a write that waits for a
	// response.
	ResponseCharacteristic string

	Frames [][]byte
	Mode   Mode

	WaitsForResponse bool
	WriteNeedsAck    bool

	Timeout time.Duration
	// Retries is the remaining retry budget. Only the queue decrements it.
	Retries int
}

// NewWriteRequest builds an acknowledged write that waits for a reply on
// respChar.
func NewWriteRequest(char, respChar string, frames ...[]byte) *Request {
	return &Request{
		Characteristic:         char,
		ResponseCharacteristic: respChar,
		Frames:                 frames,
		Mode:                   ModeWrite,
		WaitsForResponse:       true,
		WriteNeedsAck:          true,
		Timeout:                DefaultRequestTimeout,
	}
}

// NewReadRequest builds a plain characteristic read.
func NewReadRequest(char string) *Request {
	return &Request{
		Characteristic:         char,
		ResponseCharacteristic: char,
		Mode:                   ModeRead,
		Timeout:                DefaultRequestTimeout,
	}
}

// awaitedCharacteristic is the characteristic whose value update completes
// the request, or "" when no value is expected.
func (r *Request) awaitedCharacteristic() string {
	if r.Mode == ModeRead {
		return r.Characteristic
	}
	if r.WaitsForResponse {
		if r.ResponseCharacteristic == "" {
			return r.Characteristic
		}
		return r.ResponseCharacteristic
	}
	return ""
}

// ResponseFactory decodes the raw reply of a command. raw holds every value
// update received so far; returning ErrIncomplete keeps the command waiting
// for more.
type ResponseFactory func(cmd *Command, raw []byte) (any, error)

// ErrIncomplete is returned by a ResponseFactory that needs more data.
var ErrIncomplete = errors.New("ble: response incomplete")

// Callback receives the single completion of a command.
type Callback func(cmd *Command)

// Command wraps a Request with its outcome. Fields other than Request are
// owned by the queue until the callback runs.
type Command struct {
	ID      string
	Request *Request

	Status      Status
	RawResponse []byte
	Response    any
	Err         error

	// Decode overrides the manager's default ResponseFactory.
	Decode ResponseFactory

	callback Callback
	finished bool
	acked    int
}

// NewCommand wraps req. cb may be nil.
func NewCommand(req *Request, cb Callback) *Command {
	if req == nil {
		panic("ble: NewCommand called with nil request")
	}
	return &Command{
		ID:       ulid.Make().String(),
		Request:  req,
		callback: cb,
	}
}

// finish records the outcome. It reports false if the command already
// finished, so each command completes exactly once.
func (c *Command) finish(status Status, err error) bool {
	if c.finished {
		return false
	}
	c.finished = true
	c.Status = status
	c.Err = err
	return true
}
