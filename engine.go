/* particle-iot/usb - host-side control-transfer protocol and DFU client
 * for Particle microcontroller devices
 *
 * The Request Engine: a single-threaded cooperative pump that
 * multiplexes many logical requests over one device's single-in-flight
 * control transfer, per §4.C.
 */

package usb

import (
	"time"

	"github.com/particle-iot/usb/usbio"
)

// eventKind discriminates the asynchronous events the pump reacts to
// between transfers: a polling timer firing, a request deadline
// elapsing, or the close timeout elapsing.
type eventKind int

const (
	evtPollReady eventKind = iota
	evtTimeout
	evtCloseTimeout
)

type pumpEvent struct {
	kind eventKind
	req  *logicalRequest
}

type submitMsg struct {
	req *logicalRequest
}

type closeMsg struct {
	processPending bool
	timeout        time.Duration
}

// EngineOptions configures an Engine at construction.
type EngineOptions struct {
	// MaxActive caps active_count from the start, if known ahead of
	// time. Nil means "undiscovered," learned from the device's
	// first BUSY, per §4.C/§9.
	MaxActive *uint
	// DefaultPollingPolicy is the CHECK backoff used when a request
	// doesn't supply its own. Nil selects DefaultPollingPolicy.
	DefaultPollingPolicy PollingPolicy
	// Logger receives trace/debug output. Nil selects a Logger with
	// logging disabled.
	Logger *Logger
}

// Engine is the per-device Request Engine (component C). It exclusively
// owns transport, its three queues, its request map, and all timers
// for the lifetime between Start and the completion of Close.
type Engine struct {
	transport usbio.Transport
	logger    *Logger
	policy    PollingPolicy

	submitCh chan *submitMsg
	eventCh  chan pumpEvent
	closeCh  chan *closeMsg
	doneCh   chan struct{}

	// onClosed is invoked once, from the pump goroutine, after the
	// transport has been closed and the pump is about to exit.
	onClosed func()

	// Everything below is owned exclusively by the pump goroutine
	// (run) once Start has launched it; nothing outside that
	// goroutine may touch it.
	pending, checking, resetting requestQueue
	idMap                        map[uint64]*logicalRequest
	nextID                       uint64
	activeCount                  uint
	maxActive                    *uint
	resetAllFlag                 bool
	wantClose                    bool
	closeProcessPending          bool
	closeTimer                   *time.Timer
	transportDead                bool
}

// NewEngine creates an Engine bound to an already-open transport.
// onClosed is called once the close sequence finishes; it is the
// Device façade's hook for emitting its own "closed" event.
func NewEngine(transport usbio.Transport, opts EngineOptions, onClosed func()) *Engine {
	policy := opts.DefaultPollingPolicy
	if policy == nil {
		policy = DefaultPollingPolicy
	}
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger().SetLevels(0)
	}

	return &Engine{
		transport: transport,
		logger:    logger,
		policy:    policy,
		submitCh:  make(chan *submitMsg),
		eventCh:   make(chan pumpEvent, 8),
		closeCh:   make(chan *closeMsg, 1),
		doneCh:    make(chan struct{}),
		onClosed:  onClosed,
		idMap:     make(map[uint64]*logicalRequest),
		maxActive: opts.MaxActive,
	}
}

// Start launches the pump goroutine and arms the reset-all-on-open
// flag, per §4.C: any slots left behind by a previous host session are
// reclaimed before any work is accepted. Runs once per Engine.
func (e *Engine) Start() {
	e.resetAllFlag = true
	go e.run()
}

// SubmitRequest enqueues a logical request and blocks until it
// resolves, is rejected, or times out. It is the synchronous façade
// over the pump's asynchronous machinery; multiple callers may invoke
// it concurrently from different goroutines.
func (e *Engine) SubmitRequest(reqType uint16, data []byte, isText bool, opts SendOptions) (Reply, error) {
	if reqType > MaxRequestType {
		return Reply{}, DeviceError("request type %d exceeds MAX_REQUEST_TYPE", reqType)
	}
	if len(data) > MaxPayloadSize {
		return Reply{}, DeviceError("payload length %d exceeds MAX_PAYLOAD_SIZE", len(data))
	}

	if opts.Timeout <= 0 {
		return Reply{}, TimeoutError("request deadline already elapsed at submission")
	}

	policy := opts.PollingPolicy
	if policy == nil {
		policy = e.policy
	}

	req := &logicalRequest{
		reqType:    reqType,
		data:       data,
		dataIsText: isText,
		deadline:   time.Now().Add(opts.Timeout),
		policy:     policy,
		reply:      make(chan Reply, 1),
		errch:      make(chan error, 1),
	}

	select {
	case e.submitCh <- &submitMsg{req: req}:
	case <-e.doneCh:
		return Reply{}, StateError("device is being closed")
	}

	var reply Reply
	var err error
	select {
	case reply = <-req.reply:
	case err = <-req.errch:
	}

	if err != nil {
		return Reply{}, err
	}
	if !opts.DontThrow && reply.Result != uint32(ResultOK) {
		return reply, RequestError(reply.Result, ResultCode(reply.Result).Message())
	}
	return reply, nil
}

// Close starts the close sequence, per §4.C, and blocks until the
// device is fully closed.
func (e *Engine) Close(processPendingRequests bool, timeout time.Duration) {
	select {
	case e.closeCh <- &closeMsg{processPending: processPendingRequests, timeout: timeout}:
	case <-e.doneCh:
		return
	}
	<-e.doneCh
}

// run is the pump: the sole owner of all engine-internal state, and
// the only goroutine that ever issues a control transfer on this
// device's transport.
func (e *Engine) run() {
	for {
		if e.drainOneEvent(false) {
			continue
		}

		if e.step() {
			continue
		}

		if e.wantClose && e.activeCount == 0 && e.pending.empty() && e.checking.empty() && e.resetting.empty() {
			e.finishClose()
			return
		}

		// Nothing to do right now; block until an event arrives.
		e.drainOneEvent(true)
	}
}

// drainOneEvent services exactly one pending submission, timer event,
// or close request. If block is true it waits for one to arrive;
// otherwise it returns false immediately when none is ready.
func (e *Engine) drainOneEvent(block bool) bool {
	if !block {
		select {
		case m := <-e.submitCh:
			e.handleSubmit(m)
			return true
		case ev := <-e.eventCh:
			e.handleEvent(ev)
			return true
		case m := <-e.closeCh:
			e.handleClose(m)
			return true
		default:
			return false
		}
	}

	select {
	case m := <-e.submitCh:
		e.handleSubmit(m)
	case ev := <-e.eventCh:
		e.handleEvent(ev)
	case m := <-e.closeCh:
		e.handleClose(m)
	}
	return true
}

func (e *Engine) handleSubmit(m *submitMsg) {
	req := m.req

	if !req.deadline.After(time.Now()) {
		req.reject(TimeoutError("request deadline already elapsed at submission"))
		return
	}

	e.nextID++
	req.id = e.nextID
	e.idMap[req.id] = req
	e.armDeadline(req)
	e.pending.pushBack(req)
}

func (e *Engine) handleEvent(ev pumpEvent) {
	switch ev.kind {
	case evtPollReady:
		if ev.req.done {
			return
		}
		e.checking.pushBack(ev.req)
	case evtTimeout:
		if ev.req.done {
			return
		}
		ev.req.reject(TimeoutError("request timed out"))
		if ev.req.hasProtoID {
			e.resetting.pushBack(ev.req)
		}
		delete(e.idMap, ev.req.id)
	case evtCloseTimeout:
		e.rejectAllUnfinished(StateError("Device is being closed"))
	}
}

func (e *Engine) handleClose(m *closeMsg) {
	e.closeProcessPending = m.processPending

	if !m.processPending {
		e.rejectAllUnfinished(StateError("Device is being closed"))
	}

	if m.timeout > 0 {
		e.closeTimer = time.AfterFunc(m.timeout, func() {
			e.eventCh <- pumpEvent{kind: evtCloseTimeout}
		})
	}

	e.wantClose = true
}

// rejectAllUnfinished rejects every not-yet-done request with err. Any
// request holding a device slot triggers a reset-all so slots are
// returned cleanly, per §4.C close-sequence notes.
func (e *Engine) rejectAllUnfinished(err error) {
	hadActive := false

	for _, req := range e.idMap {
		if req.done {
			continue
		}
		if req.hasProtoID {
			hadActive = true
		}
		req.reject(err)
	}

	// Requests already waiting for a per-slot RESET still hold a slot.
	if !e.resetting.empty() {
		hadActive = true
	}

	e.idMap = make(map[uint64]*logicalRequest)
	e.pending.removeAll()
	e.checking.removeAll()
	e.resetting.removeAll()

	if hadActive {
		e.resetAllFlag = true
	} else {
		e.activeCount = 0
	}
}

// step performs at most one USB transfer, chosen by the strict
// priority order of §4.C. It returns true if it did any work.
func (e *Engine) step() bool {
	switch {
	case e.resetAllFlag:
		e.doResetAll()
		return true

	case !e.resetting.empty():
		req := e.resetting.popFront()
		e.doResetSlot(req)
		return true

	case !e.checking.empty():
		req := e.checking.popFrontSkipDone()
		if req == nil {
			return false
		}
		e.runCheck(req)
		return true

	case !e.pending.empty() && (e.maxActive == nil || e.activeCount < *e.maxActive):
		req := e.pending.popFrontSkipDone()
		if req == nil {
			return false
		}
		e.runInit(req)
		return true
	}

	return false
}

func (e *Engine) doResetAll() {
	setup := setupReset(0)
	err := e.transport.TransferOut(setup, nil)
	e.resetAllFlag = false
	e.activeCount = 0
	if err != nil {
		e.logger.Debug(' ', "RESET-ALL failed: %s", err)
	} else {
		e.logger.Trace(LogTraceUsb, ' ', "RESET-ALL")
	}
}

func (e *Engine) doResetSlot(req *logicalRequest) {
	setup := setupReset(req.protoID)
	err := e.transport.TransferOut(setup, nil)
	if e.activeCount > 0 {
		e.activeCount--
	}
	if err != nil {
		e.logger.Debug(' ', "RESET proto_id=%d failed: %s", req.protoID, err)
		e.transportFault(err)
		return
	}
	e.logger.Trace(LogTraceUsb, ' ', "RESET proto_id=%d", req.protoID)
}

func (e *Engine) runInit(req *logicalRequest) {
	setup := setupInit(req.reqType, len(req.data))
	data, err := e.transport.TransferIn(setup)
	if err != nil {
		e.failTransport(req, err)
		return
	}

	reply, err := parseServiceReply(data)
	if err != nil {
		req.reject(err)
		delete(e.idMap, req.id)
		return
	}

	e.logger.Trace(LogTraceUsb, ' ', "INIT type=%d len=%d -> %s proto_id=%d",
		req.reqType, len(req.data), reply.Status, reply.ProtoID)

	switch reply.Status {
	case WireOK:
		req.protoID = reply.ProtoID
		req.hasProtoID = true
		e.activeCount++

		if len(req.data) > 0 {
			if !e.sendPayload(req) {
				return
			}
		}
		req.dataSent = true
		e.armPoll(req)

	case WirePending:
		if len(req.data) == 0 {
			req.reject(ProtocolError("PENDING on INIT with no payload"))
			delete(e.idMap, req.id)
			return
		}
		req.protoID = reply.ProtoID
		req.hasProtoID = true
		e.activeCount++
		e.armPoll(req)

	case WireBusy:
		learned := e.activeCount
		e.maxActive = &learned
		e.pending.pushFront(req)

	case WireNoMemory:
		req.reject(MemoryError("device reported NO_MEMORY"))
		delete(e.idMap, req.id)

	default:
		req.reject(ProtocolError("unexpected INIT status %s", reply.Status))
		delete(e.idMap, req.id)
	}
}

// sendPayload issues SEND for req's full payload. Returns false if the
// request has already been failed (transport fault), in which case the
// caller must stop processing req immediately.
func (e *Engine) sendPayload(req *logicalRequest) bool {
	setup := setupSend(req.protoID, len(req.data))
	if err := e.transport.TransferOut(setup, req.data); err != nil {
		e.failTransport(req, err)
		return false
	}
	e.logger.Trace(LogTraceUsb, ' ', "SEND proto_id=%d len=%d", req.protoID, len(req.data))
	return true
}

func (e *Engine) runCheck(req *logicalRequest) {
	setup := setupCheck(req.protoID)
	data, err := e.transport.TransferIn(setup)
	if err != nil {
		e.failTransport(req, err)
		return
	}

	reply, err := parseServiceReply(data)
	if err != nil {
		req.reject(err)
		e.resetting.pushBack(req)
		delete(e.idMap, req.id)
		return
	}

	req.checkCount++
	e.logger.Trace(LogTraceUsb, ' ', "CHECK proto_id=%d -> %s size=%d result=%d",
		req.protoID, reply.Status, reply.Size, reply.Result)

	switch reply.Status {
	case WireOK:
		if req.dataSent {
			e.completeRequest(req, reply)
			return
		}
		if !e.sendPayload(req) {
			return
		}
		req.dataSent = true
		req.checkCount = 0
		e.armPoll(req)

	case WirePending:
		e.armPoll(req)

	case WireNoMemory:
		req.reject(MemoryError("device reported NO_MEMORY"))
		e.resetting.pushBack(req)
		delete(e.idMap, req.id)

	case WireNotFound:
		req.reject(DeviceError("Request was cancelled"))
		delete(e.idMap, req.id)

	default:
		req.reject(ProtocolError("unexpected CHECK status %s", reply.Status))
		e.resetting.pushBack(req)
		delete(e.idMap, req.id)
	}
}

// completeRequest downloads the reply payload, if any, and resolves
// req, then schedules its slot for release.
func (e *Engine) completeRequest(req *logicalRequest, check ServiceReply) {
	var payload []byte

	if check.Size > 0 {
		setup := setupRecv(req.protoID, int(check.Size))
		data, err := e.transport.TransferIn(setup)
		if err != nil {
			e.failTransport(req, err)
			return
		}
		if uint32(len(data)) != check.Size {
			req.reject(ProtocolError("RECV: expected %d bytes, got %d", check.Size, len(data)))
			e.resetting.pushBack(req)
			delete(e.idMap, req.id)
			return
		}
		payload = data
		e.logger.Trace(LogTraceUsb, ' ', "RECV proto_id=%d len=%d", req.protoID, len(data))
	}

	req.resolve(Reply{Result: uint32(check.Result), Data: payload, IsText: req.dataIsText})
	e.resetting.pushBack(req)
	delete(e.idMap, req.id)
}

// armPoll schedules the next CHECK after the request's polling policy
// delay, per §4.C/§9.
func (e *Engine) armPoll(req *logicalRequest) {
	req.stopPollTimer()
	delay := req.policy.NextDelay(req.checkCount)
	req.pollTimer = time.AfterFunc(delay, func() {
		e.eventCh <- pumpEvent{kind: evtPollReady, req: req}
	})
}

// armDeadline schedules the request's timeout.
func (e *Engine) armDeadline(req *logicalRequest) {
	d := time.Until(req.deadline)
	req.deadlineTimer = time.AfterFunc(d, func() {
		e.eventCh <- pumpEvent{kind: evtTimeout, req: req}
	})
}

// failTransport handles a transport-level error encountered mid
// sub-protocol: the request fails, and (per §7) the whole engine is
// forced into its close sequence, since the link itself is suspect.
func (e *Engine) failTransport(req *logicalRequest, cause error) {
	req.reject(UsbError(cause, "control transfer failed"))
	delete(e.idMap, req.id)
	e.transportFault(cause)
}

// transportFault forces an immediate, non-graceful close: every other
// outstanding request is rejected and the transport is torn down
// without further device interaction, since it already demonstrated it
// cannot be trusted.
func (e *Engine) transportFault(cause error) {
	if e.transportDead {
		return
	}
	e.transportDead = true
	e.logger.Error('!', "transport fault: %s", cause)
	e.rejectAllUnfinished(UsbError(cause, "device disconnected"))
	e.resetAllFlag = false
	e.activeCount = 0
	e.wantClose = true
}

func (e *Engine) finishClose() {
	if e.closeTimer != nil {
		e.closeTimer.Stop()
	}
	if err := e.transport.Close(); err != nil {
		e.logger.Debug(' ', "transport close: %s", err)
	}
	if e.onClosed != nil {
		e.onClosed()
	}
	close(e.doneCh)
}
