package ble

import (
	"errors"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/time/rate"
)

// Notification is a characteristic update no command was waiting for.
type Notification struct {
	Peripheral     string
	Characteristic string
	Data           []byte
}

// commandQueue runs commands against the ready peripheral one at a time.
// It lives on the Manager's executor and is never touched concurrently.
type commandQueue struct {
	exec    Executor
	link    Link
	limiter *rate.Limiter
	decode  ResponseFactory
	notify  func(Notification)

	target   string // peripheral ID while the link is ready
	items    []*Command
	inFlight bool
	timer    *Countdown
}

func newCommandQueue(exec Executor, link Link, interFrameDelay time.Duration, decode ResponseFactory, notify func(Notification)) *commandQueue {
	limit := rate.Inf
	if interFrameDelay > 0 {
		limit = rate.Every(interFrameDelay)
	}
	return &commandQueue{
		exec:    exec,
		link:    link,
		limiter: rate.NewLimiter(limit, 1),
		decode:  decode,
		notify:  notify,
	}
}

// bind attaches the queue to a ready peripheral and starts draining.
func (q *commandQueue) bind(id string) {
	q.target = id
	q.drain()
}

func (q *commandQueue) pending() int { return len(q.items) }

func (q *commandQueue) head() *Command {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// enqueue appends cmd, or with highPriority inserts it right behind the
// in-flight command. With nothing in flight a high priority command goes to
// the head.
func (q *commandQueue) enqueue(cmd *Command, highPriority bool) {
	if q.target == "" {
		slog.Warn("[BLE] unable to add command, peripheral is not ready", "command", cmd.ID)
		if cmd.finish(StatusFail, commError(CommDisconnected, nil)) {
			q.dispatch(cmd)
		}
		return
	}
	switch {
	case highPriority && q.inFlight:
		q.items = slices.Insert(q.items, 1, cmd)
	case highPriority:
		q.items = slices.Insert(q.items, 0, cmd)
	default:
		q.items = append(q.items, cmd)
	}
	q.drain()
}

func (q *commandQueue) drain() {
	if q.inFlight || q.target == "" || len(q.items) == 0 {
		return
	}
	cmd := q.items[0]
	req := cmd.Request
	q.inFlight = true
	cmd.Status = StatusWaiting
	cmd.acked = 0

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	cd := startCountdown(q.exec, timeout, func() { q.onRequestTimeout(cmd) })
	q.timer = cd

	if req.Mode == ModeRead {
		slog.Debug("[BLE] read", "command", cmd.ID, "characteristic", req.Characteristic)
		if err := q.link.Read(q.target, req.Characteristic); err != nil {
			q.complete(cmd, StatusFail, commError(CommUpdateFailed, err))
		}
		return
	}
	q.writeFrames(cmd, cd, 0, false)
}

// writeFrames writes frames from index i on. Frames are paced by the
// limiter; a frame that has to wait is resumed from a timer task, which
// gives up if the attempt ended in the meantime.
func (q *commandQueue) writeFrames(cmd *Command, cd *Countdown, i int, reserved bool) {
	req := cmd.Request
	for ; i < len(req.Frames); i++ {
		if !reserved {
			now := q.exec.Now()
			if d := q.limiter.ReserveN(now, 1).DelayFrom(now); d > 0 {
				next := i
				q.exec.AfterFunc(d, func() {
					if cd.Cancelled() {
						return
					}
					q.writeFrames(cmd, cd, next, true)
				})
				return
			}
		}
		reserved = false

		slog.Debug("[BLE] write", "command", cmd.ID, "characteristic", req.Characteristic,
			"frame", i, "bytes", len(req.Frames[i]), "ack", req.WriteNeedsAck)
		if err := q.link.Write(q.target, req.Characteristic, req.Frames[i], req.WriteNeedsAck); err != nil {
			q.complete(cmd, StatusFail, commError(CommWriteFailed, err))
			return
		}
	}

	switch {
	case !req.WriteNeedsAck && !req.WaitsForResponse:
		q.complete(cmd, StatusSuccess, nil)
	case req.WriteNeedsAck && len(req.Frames) == 0:
		q.acknowledged(cmd)
	}
}

func (q *commandQueue) onValueWritten(ev Event) {
	cmd := q.head()
	if !q.inFlight || cmd == nil || ev.Peripheral.ID != q.target ||
		cmd.Request.Mode != ModeWrite || !cmd.Request.WriteNeedsAck ||
		ev.Characteristic != cmd.Request.Characteristic {
		slog.Debug("[BLE] ignoring write confirmation", "id", ev.Peripheral.ID, "characteristic", ev.Characteristic)
		return
	}
	if ev.Err != nil {
		q.complete(cmd, StatusFail, commError(CommWriteFailed, ev.Err))
		return
	}

	cmd.acked++
	if cmd.acked < len(cmd.Request.Frames) {
		return
	}
	q.acknowledged(cmd)
}

// acknowledged runs once every frame of the in-flight write was confirmed.
func (q *commandQueue) acknowledged(cmd *Command) {
	awaited := cmd.Request.awaitedCharacteristic()
	if awaited == "" {
		q.complete(cmd, StatusSuccess, nil)
		return
	}
	if err := q.link.Read(q.target, awaited); err != nil {
		q.complete(cmd, StatusFail, commError(CommUpdateFailed, err))
	}
}

func (q *commandQueue) onValueUpdated(ev Event) {
	if ev.Peripheral.ID != q.target || q.target == "" {
		slog.Debug("[BLE] ignoring value update", "id", ev.Peripheral.ID, "characteristic", ev.Characteristic)
		return
	}

	cmd := q.head()
	if q.inFlight && cmd != nil && cmd.Request.awaitedCharacteristic() == ev.Characteristic {
		if ev.Err != nil {
			q.complete(cmd, StatusFail, commError(CommUpdateFailed, ev.Err))
			return
		}
		cmd.RawResponse = append(cmd.RawResponse, ev.Data...)
		decode := cmd.Decode
		if decode == nil {
			decode = q.decode
		}
		if decode != nil {
			resp, err := decode(cmd, cmd.RawResponse)
			if errors.Is(err, ErrIncomplete) {
				slog.Debug("[BLE] partial response", "command", cmd.ID, "bytes", len(cmd.RawResponse))
				return
			}
			if err != nil {
				q.complete(cmd, StatusFail, &CommunicationError{Kind: CommCustom, Description: "decode response", Err: err})
				return
			}
			cmd.Response = resp
		}
		q.complete(cmd, StatusSuccess, nil)
		return
	}

	if ev.Err != nil {
		slog.Warn("[BLE] notification error", "characteristic", ev.Characteristic, "error", ev.Err)
		return
	}
	if q.notify != nil {
		q.notify(Notification{Peripheral: ev.Peripheral.ID, Characteristic: ev.Characteristic, Data: ev.Data})
	}
}

func (q *commandQueue) onRequestTimeout(cmd *Command) {
	if q.head() != cmd {
		return
	}
	if cmd.Request.Retries > 0 {
		cmd.Request.Retries--
		slog.Info("[BLE] request timeout, retrying", "command", cmd.ID, "retries_left", cmd.Request.Retries)
		q.timer.Cancel()
		q.timer = nil
		q.items[0] = nil
		q.items = q.items[1:]
		q.inFlight = false
		cmd.RawResponse = nil
		// The next waiting command goes in flight first; the retry lands
		// right behind it.
		q.drain()
		q.enqueue(cmd, true)
		return
	}
	slog.Warn("[BLE] request timeout", "command", cmd.ID)
	q.complete(cmd, StatusRequestTimeout, commError(CommTimeout, nil))
}

// complete finalizes the in-flight command and moves on to the next one.
func (q *commandQueue) complete(cmd *Command, status Status, err error) {
	q.timer.Cancel()
	q.timer = nil
	if q.head() == cmd {
		q.items[0] = nil
		q.items = q.items[1:]
	}
	q.inFlight = false
	if cmd.finish(status, err) {
		q.dispatch(cmd)
	}
	q.drain()
}

// reset fails every queued command, the in-flight one included, and
// detaches the queue from the peripheral.
func (q *commandQueue) reset(cause error) {
	q.timer.Cancel()
	q.timer = nil
	items := q.items
	q.items = nil
	q.inFlight = false
	q.target = ""
	if len(items) > 0 {
		slog.Warn("[BLE] resetting command queue", "pending", len(items))
	}
	for _, cmd := range items {
		if cmd.finish(StatusFail, commError(CommReset, cause)) {
			q.dispatch(cmd)
		}
	}
}

// dispatch runs the callback as its own executor task so callbacks never
// re-enter the queue from inside another command's completion.
func (q *commandQueue) dispatch(cmd *Command) {
	if cmd.Err != nil {
		slog.Debug("[BLE] command finished", "command", cmd.ID, "status", cmd.Status, "error", cmd.Err)
	} else {
		slog.Debug("[BLE] command finished", "command", cmd.ID, "status", cmd.Status)
	}
	if cmd.callback == nil {
		return
	}
	q.exec.Post(func() { cmd.callback(cmd) })
}
