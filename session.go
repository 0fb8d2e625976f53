// session.go: symmetric capability session over a bidirectional message stream
//
// A Session hosts local capabilities (exports), holds proxies for the
// peer's capabilities (imports), tracks outgoing calls (questions) and
// incoming calls (answers). Answers stay addressable until the caller
// finishes them, which lets the caller pipeline calls on results it has not
// received yet.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package capcalc

import (
	"context"
	stderrors "errors"
	"io"
	"runtime"
	"sync"

	"google.golang.org/protobuf/types/known/structpb"
)

var errServerDraining = stderrors.New("server is shutting down")

// bootstrapExportID is the export ID of the root capability.
const bootstrapExportID uint32 = 0

// messageStream is the part of a gRPC stream a session needs. grpc.ServerStream
// and grpc.ClientStream both satisfy it.
type messageStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// SessionOptions configures a Session.
type SessionOptions struct {
	// ID identifies the session in logs and in the request tracker.
	ID string

	// Bootstrap is exported under ID 0. Clients leave it nil.
	Bootstrap any

	Logger  Logger
	Metrics MetricsCollector
	Tracker *RequestTracker

	// Draining, when set and true, makes the session refuse new incoming
	// calls with SessionClosed. Returns and finishes are still processed.
	Draining func() bool
}

// Session is one end of a capability connection.
type Session struct {
	id      string
	logger  Logger
	metrics MetricsCollector
	tracker *RequestTracker
	stream  messageStream

	sendMu sync.Mutex

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu           sync.Mutex
	closed       bool
	closeErr     error
	exports      map[uint32]*exportEntry
	nextExport   uint32
	questions    map[uint32]*question
	nextQuestion uint32
	answers      map[uint32]*answer

	recovery RecoveryHandler
	draining func() bool
}

type exportEntry struct {
	obj  any
	refs int
}

// question is an outgoing call awaiting its return.
type question struct {
	id       uint32
	method   string
	done     chan struct{}
	results  map[string]any
	err      error
	returned bool
	pins     int
	finished bool
	onReturn func(map[string]any, error)
	stop     func() bool
}

// answer is an incoming call, kept until the caller finishes it.
type answer struct {
	done     chan struct{}
	results  map[string]any
	err      error
	cancel   context.CancelFunc
	finished bool
}

// NewSession creates a session on stream. Call Serve to process messages.
func NewSession(stream messageStream, opts SessionOptions) *Session {
	if opts.ID == "" {
		opts.ID = NewSessionID()
	}
	if opts.Logger == nil {
		opts.Logger = DefaultLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = NoOpMetricsCollector{}
	}
	if opts.Tracker == nil {
		opts.Tracker = NewRequestTracker(opts.Metrics)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Session{
		id:         opts.ID,
		logger:     opts.Logger.With("session", opts.ID),
		metrics:    opts.Metrics,
		tracker:    opts.Tracker,
		stream:     stream,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		exports:    make(map[uint32]*exportEntry),
		nextExport: bootstrapExportID + 1,
		questions:  make(map[uint32]*question),
		answers:    make(map[uint32]*answer),
		draining:   opts.Draining,
	}
	s.recovery = MetricsRecoveryHandler(s.logger, s.metrics, "session")
	if opts.Bootstrap != nil {
		s.exports[bootstrapExportID] = &exportEntry{obj: opts.Bootstrap, refs: 1}
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Done is closed when the session has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the session shut down, or nil while it is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Bootstrap returns the peer's root calculator.
func (s *Session) Bootstrap() *CalculatorClient {
	return &CalculatorClient{cap: &remoteCap{sess: s, target: capTarget{id: bootstrapExportID}}}
}

// Serve reads and dispatches messages until the stream ends. It returns nil
// when the peer closed the stream cleanly. No message is sent on the stream
// after Serve returns.
func (s *Session) Serve() error {
	defer func() {
		// Wait out a send that passed the closed check before shutdown.
		s.sendMu.Lock()
		s.sendMu.Unlock() //nolint:staticcheck
	}()
	for {
		msg := &structpb.Struct{}
		if err := s.stream.RecvMsg(msg); err != nil {
			if stderrors.Is(err, io.EOF) {
				s.shutdown(NewSessionClosedError(nil))
				return nil
			}
			s.shutdown(NewSessionClosedError(err))
			return err
		}
		s.dispatch(msg)
	}
}

// Close shuts the session down. In-flight incoming calls are cancelled and
// outstanding outgoing calls fail.
func (s *Session) Close() error {
	s.shutdown(NewSessionClosedError(nil))
	return nil
}

// closeSend shuts the session down and half-closes a client stream once no
// send is in progress.
func (s *Session) closeSend() error {
	s.shutdown(NewSessionClosedError(nil))

	// shutdown marked the session closed, so no send starts after this lock.
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if cs, ok := s.stream.(interface{ CloseSend() error }); ok {
		return cs.CloseSend()
	}
	return nil
}

func (s *Session) shutdown(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = cause
	questions := s.questions
	answers := s.answers
	s.questions = make(map[uint32]*question)
	s.answers = make(map[uint32]*answer)
	s.exports = make(map[uint32]*exportEntry)
	s.mu.Unlock()

	s.cancel(cause)
	failure := NewSubstrateFailureError("session closed", cause)
	for _, q := range questions {
		s.complete(q, nil, failure)
	}
	for _, a := range answers {
		a.cancel()
	}
	cancelled := s.tracker.CancelSession(s.id)

	s.logger.Debug("Session closed",
		"pending_questions", len(questions),
		"cancelled_calls", cancelled)
	close(s.done)
}

func (s *Session) send(msg *structpb.Struct) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	closed, cause := s.closed, s.closeErr
	s.mu.Unlock()
	if closed {
		return NewSubstrateFailureError("session closed", cause)
	}
	if err := s.stream.SendMsg(msg); err != nil {
		return NewSubstrateFailureError("failed to send session message", err)
	}
	return nil
}

func (s *Session) dispatch(msg *structpb.Struct) {
	fields := msg.GetFields()
	switch kind := fields["kind"].GetStringValue(); kind {
	case msgCall:
		s.handleCall(fields)
	case msgReturn:
		s.handleReturn(fields)
	case msgFinish:
		s.handleFinish(fields)
	case msgRelease:
		s.handleRelease(fields)
	default:
		s.logger.Warn("Ignoring unknown session message", "kind", kind)
	}
}

// Exports

func (s *Session) export(obj any) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextExport
	s.nextExport++
	s.exports[id] = &exportEntry{obj: obj, refs: 1}
	return id
}

func (s *Session) lookupExport(id uint32) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.exports[id]
	if !ok {
		return nil, NewProtocolError("unknown export").WithContext("export_id", id)
	}
	return e.obj, nil
}

func (s *Session) handleRelease(fields map[string]*structpb.Value) {
	id, err := uint32Of(fields["id"])
	if err != nil || id == bootstrapExportID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.exports[id]; ok {
		e.refs--
		if e.refs <= 0 {
			delete(s.exports, id)
		}
	}
}

// importCap returns a proxy for the peer's export id. The export is released
// once the proxy becomes unreachable.
func (s *Session) importCap(id uint32) *remoteCap {
	rc := &remoteCap{sess: s, target: capTarget{id: id}}
	runtime.AddCleanup(rc, s.releaseImport, id)
	return rc
}

func (s *Session) releaseImport(id uint32) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	// Cleanups share one goroutine; do not block it on the stream.
	go func() {
		if err := s.send(newReleaseMessage(id)); err != nil {
			s.logger.Debug("Failed to release import", "export_id", id, "error", err)
		}
	}()
}

// decodeCap implements capDecoder. References hosted by the sender become
// proxies; references to our own exports or answers resolve locally.
func (s *Session) decodeCap(ref *structpb.Value) (any, error) {
	r, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	switch r.tag {
	case refSenderHosted:
		return s.importCap(r.id), nil
	case refReceiverHosted:
		return s.lookupExport(r.id)
	default:
		return s.answerCap(r.question, r.field)
	}
}

// Incoming calls

type callArgs struct {
	expr       *Expression
	paramCount uint32
	op         Operator
	numbers    []float64
}

func (s *Session) handleCall(fields map[string]*structpb.Value) {
	qid, err := uint32Of(fields["question"])
	if err != nil {
		s.logger.Warn("Dropping call without a question id", "error", err)
		return
	}
	method := fields["method"].GetStringValue()
	var depth uint32
	if raw, ok := fields["depth"]; ok {
		if depth, err = uint32Of(raw); err != nil {
			s.rejectCall(qid, method, fields, NewProtocolError("invalid call depth").WithContext("question", qid))
			return
		}
	}
	if s.draining != nil && s.draining() {
		s.rejectCall(qid, method, fields, NewSessionClosedError(errServerDraining).WithContext("question", qid))
		return
	}

	trackedCtx, done := s.tracker.StartRequest(s.ctx, s.id)
	ctx, cancel := context.WithCancel(trackedCtx)
	ans := &answer{done: make(chan struct{}), cancel: cancel}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		done()
		return
	}
	if _, dup := s.answers[qid]; dup {
		s.mu.Unlock()
		cancel()
		done()
		s.sendError(qid, NewProtocolError("duplicate question id").WithContext("question", qid))
		return
	}
	s.answers[qid] = ans
	s.mu.Unlock()

	// Targets and arguments are resolved here, in message order, so that
	// references to answers the caller finishes later are still valid.
	target, err := s.resolveTarget(fields["target"])
	var args callArgs
	if err == nil {
		args, err = s.decodeArgs(method, fields["params"].GetStructValue().GetFields())
	}

	s.metrics.IncrementCounter(MetricRPCCalls, map[string]string{"method": method, "direction": "in"}, 1)
	ctx = ContextWithLogger(WithCallDepth(ctx, int(depth)), s.logger)
	go s.runCall(ctx, done, qid, ans, target, method, args, err)
}

// rejectCall answers a call with err without running it. Its arguments are
// still decoded so that capabilities they carry get imported and released.
func (s *Session) rejectCall(qid uint32, method string, fields map[string]*structpb.Value, err error) {
	_, _ = s.decodeArgs(method, fields["params"].GetStructValue().GetFields())
	s.sendError(qid, err)
}

func (s *Session) resolveTarget(ref *structpb.Value) (any, error) {
	r, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	switch r.tag {
	case refReceiverHosted:
		return s.lookupExport(r.id)
	case refReceiverAnswer:
		return s.answerCap(r.question, r.field)
	default:
		return nil, NewProtocolError("call target must be hosted by the receiver")
	}
}

func (s *Session) decodeArgs(method string, params map[string]*structpb.Value) (callArgs, error) {
	var args callArgs
	var err error
	switch method {
	case MethodEvaluate:
		args.expr, err = decodeExpression(params["expression"], s)
	case MethodDefFunction:
		if args.paramCount, err = uint32Of(params["paramCount"]); err != nil {
			return args, err
		}
		args.expr, err = decodeExpression(params["body"], s)
	case MethodGetOperator:
		var op uint32
		op, err = uint32Of(params["op"])
		args.op = Operator(op)
	case MethodCall:
		args.numbers, err = decodeNumbers(params["params"])
	case MethodRead:
	default:
		err = NewProtocolError("unknown method").WithContext("method", method)
	}
	return args, err
}

func (s *Session) runCall(ctx context.Context, done func(), qid uint32, ans *answer, target any, method string, args callArgs, decodeErr error) {
	defer done()

	err := decodeErr
	var out map[string]any
	if err == nil {
		out, err = safeInvoke(ctx, s.recovery, target, method, args)
	}

	s.mu.Lock()
	ans.results, ans.err = out, err
	finished := ans.finished
	s.mu.Unlock()
	close(ans.done)

	if finished {
		return
	}
	if err != nil {
		s.sendError(qid, err)
		return
	}

	enc := &outgoing{sess: s}
	defer enc.unpin()
	encoded := make(map[string]*structpb.Value, len(out))
	for field, v := range out {
		switch x := v.(type) {
		case float64:
			encoded[field] = structpb.NewNumberValue(x)
		default:
			ref, encErr := enc.encodeCap(ctx, x)
			if encErr != nil {
				s.sendError(qid, encErr)
				return
			}
			encoded[field] = ref
		}
	}
	if sendErr := s.send(newReturnMessage(qid, encoded)); sendErr != nil {
		s.logger.Debug("Failed to send return", "question", qid, "error", sendErr)
	}
}

// invokeMethod dispatches a decoded call to a local capability.
func invokeMethod(ctx context.Context, target any, method string, args callArgs) (map[string]any, error) {
	switch method {
	case MethodEvaluate, MethodDefFunction, MethodGetOperator:
		calc, ok := target.(Calculator)
		if !ok {
			return nil, NewProtocolError("target is not a calculator").WithContext("method", method)
		}
		switch method {
		case MethodEvaluate:
			v, err := calc.Evaluate(ctx, args.expr)
			if err != nil {
				return nil, err
			}
			return map[string]any{"value": v}, nil
		case MethodDefFunction:
			f, err := calc.DefFunction(ctx, args.paramCount, args.expr)
			if err != nil {
				return nil, err
			}
			return map[string]any{"func": f}, nil
		default:
			f, err := calc.GetOperator(ctx, args.op)
			if err != nil {
				return nil, err
			}
			return map[string]any{"func": f}, nil
		}

	case MethodCall:
		fn, ok := target.(Function)
		if !ok {
			return nil, NewProtocolError("target is not a function")
		}
		v, err := fn.Call(ctx, args.numbers)
		if err != nil {
			return nil, err
		}
		return map[string]any{"value": v}, nil

	case MethodRead:
		val, ok := target.(Value)
		if !ok {
			return nil, NewProtocolError("target is not a value")
		}
		v, err := val.Read(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"value": v}, nil

	default:
		return nil, NewProtocolError("unknown method").WithContext("method", method)
	}
}

func (s *Session) sendError(qid uint32, err error) {
	if sendErr := s.send(newErrorReturnMessage(qid, err)); sendErr != nil {
		s.logger.Debug("Failed to send error return", "question", qid, "error", sendErr)
	}
}

func (s *Session) handleFinish(fields map[string]*structpb.Value) {
	qid, err := uint32Of(fields["question"])
	if err != nil {
		return
	}
	s.mu.Lock()
	ans, ok := s.answers[qid]
	if ok {
		delete(s.answers, qid)
		ans.finished = true
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	select {
	case <-ans.done:
	default:
		// Caller abandoned the call before it completed.
		ans.cancel()
	}
}

// answerCap returns a local capability that forwards to a field of the
// result of an incoming call, waiting for that call if needed.
func (s *Session) answerCap(qid uint32, field string) (*answerCap, error) {
	s.mu.Lock()
	ans, ok := s.answers[qid]
	s.mu.Unlock()
	if !ok {
		return nil, NewProtocolError("unknown or finished question").WithContext("question", qid)
	}
	return &answerCap{ans: ans, field: field}, nil
}

type answerCap struct {
	ans   *answer
	field string
}

func (a *answerCap) resolve(ctx context.Context) (any, error) {
	select {
	case <-a.ans.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if a.ans.err != nil {
		return nil, a.ans.err
	}
	c, ok := a.ans.results[a.field]
	if !ok {
		return nil, NewProtocolError("answer has no such field").WithContext("field", a.field)
	}
	return c, nil
}

func (a *answerCap) Read(ctx context.Context) (float64, error) {
	c, err := a.resolve(ctx)
	if err != nil {
		return 0, err
	}
	v, ok := c.(Value)
	if !ok {
		return 0, NewProtocolError("answer field is not a value").WithContext("field", a.field)
	}
	return v.Read(ctx)
}

func (a *answerCap) Call(ctx context.Context, params []float64) (float64, error) {
	c, err := a.resolve(ctx)
	if err != nil {
		return 0, err
	}
	f, ok := c.(Function)
	if !ok {
		return 0, NewProtocolError("answer field is not a function").WithContext("field", a.field)
	}
	return f.Call(ctx, params)
}

// Outgoing calls

// startCall sends a call on target. build encodes the parameters; onReturn,
// if set, runs on the session's receive goroutine when the return arrives
// and must not block. Cancelling ctx before the return abandons the call.
func (s *Session) startCall(ctx context.Context, target *remoteCap, method string,
	build func(enc *outgoing) (map[string]*structpb.Value, error),
	onReturn func(map[string]any, error)) (*question, error) {

	enc := &outgoing{sess: s}
	defer enc.unpin()

	targetRef, err := enc.encodeCap(ctx, target)
	if err != nil {
		return nil, err
	}
	var params map[string]*structpb.Value
	if build != nil {
		if params, err = build(enc); err != nil {
			return nil, err
		}
	}

	q := &question{method: method, done: make(chan struct{}), onReturn: onReturn}
	s.mu.Lock()
	if s.closed {
		cause := s.closeErr
		s.mu.Unlock()
		return nil, NewSubstrateFailureError("session closed", cause)
	}
	q.id = s.nextQuestion
	s.nextQuestion++
	s.questions[q.id] = q
	s.mu.Unlock()

	if err := s.send(newCallMessage(q.id, targetRef, method, params, CallDepth(ctx))); err != nil {
		s.mu.Lock()
		delete(s.questions, q.id)
		s.mu.Unlock()
		return nil, err
	}
	s.metrics.IncrementCounter(MetricRPCCalls, map[string]string{"method": method, "direction": "out"}, 1)

	stop := context.AfterFunc(ctx, func() {
		s.abandon(q, context.Cause(ctx))
	})
	s.mu.Lock()
	if q.returned {
		s.mu.Unlock()
		stop()
	} else {
		q.stop = stop
		s.mu.Unlock()
	}
	return q, nil
}

// roundTrip sends a call and waits for its results.
func (s *Session) roundTrip(ctx context.Context, target *remoteCap, method string,
	build func(enc *outgoing) (map[string]*structpb.Value, error)) (map[string]any, error) {

	q, err := s.startCall(ctx, target, method, build, nil)
	if err != nil {
		return nil, err
	}
	<-q.done
	return q.results, q.err
}

func (s *Session) handleReturn(fields map[string]*structpb.Value) {
	qid, err := uint32Of(fields["question"])
	if err != nil {
		s.logger.Warn("Dropping return without a question id", "error", err)
		return
	}
	s.mu.Lock()
	q, ok := s.questions[qid]
	s.mu.Unlock()
	if !ok {
		// Abandoned before the return arrived.
		s.logger.Debug("Ignoring return for unknown question", "question", qid)
		return
	}

	if raw, failed := fields["error"]; failed {
		s.complete(q, nil, decodeError(raw))
	} else {
		results, decodeErr := s.decodeResults(fields["results"].GetStructValue().GetFields())
		s.complete(q, results, decodeErr)
	}
	s.maybeFinish(q)
}

func (s *Session) decodeResults(raw map[string]*structpb.Value) (map[string]any, error) {
	results := make(map[string]any, len(raw))
	for field, v := range raw {
		if n, ok := v.GetKind().(*structpb.Value_NumberValue); ok {
			results[field] = n.NumberValue
			continue
		}
		c, err := s.decodeCap(v)
		if err != nil {
			return nil, err
		}
		results[field] = c
	}
	return results, nil
}

// complete settles q once.
func (s *Session) complete(q *question, results map[string]any, err error) {
	s.mu.Lock()
	if q.returned {
		s.mu.Unlock()
		return
	}
	q.returned = true
	q.results, q.err = results, err
	stop := q.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	close(q.done)
	if q.onReturn != nil {
		q.onReturn(results, err)
	}
}

// pin keeps question qid addressable until the message carrying a reference
// to its answer has been sent. It fails once the question is finished.
func (s *Session) pin(qid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[qid]
	if !ok || q.finished {
		return false
	}
	q.pins++
	return true
}

func (s *Session) unpin(qid uint32) {
	s.mu.Lock()
	q, ok := s.questions[qid]
	if ok {
		q.pins--
	}
	s.mu.Unlock()
	if ok {
		s.maybeFinish(q)
	}
}

// maybeFinish tells the peer to drop the answer for q once q has returned
// and no outgoing message still refers to it.
func (s *Session) maybeFinish(q *question) {
	s.mu.Lock()
	if !q.returned || q.pins > 0 || q.finished {
		s.mu.Unlock()
		return
	}
	q.finished = true
	delete(s.questions, q.id)
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}
	if err := s.send(newFinishMessage(q.id)); err != nil {
		s.logger.Debug("Failed to send finish", "question", q.id, "error", err)
	}
}

// abandon gives up on q before it returns.
func (s *Session) abandon(q *question, cause error) {
	s.mu.Lock()
	if q.returned {
		s.mu.Unlock()
		return
	}
	q.finished = true
	delete(s.questions, q.id)
	closed := s.closed
	s.mu.Unlock()

	if cause == nil {
		cause = context.Canceled
	}
	s.complete(q, nil, cause)
	if !closed {
		if err := s.send(newFinishMessage(q.id)); err != nil {
			s.logger.Debug("Failed to send finish", "question", q.id, "error", err)
		}
	}
}

// outgoing encodes the capabilities of one outgoing message and remembers
// which answers it refers to.
type outgoing struct {
	sess *Session
	pins []uint32
}

func (o *outgoing) unpin() {
	for _, qid := range o.pins {
		o.sess.unpin(qid)
	}
	o.pins = nil
}

// encodeCap implements capEncoder.
func (o *outgoing) encodeCap(ctx context.Context, c any) (*structpb.Value, error) {
	switch x := c.(type) {
	case *remoteCap:
		if x.sess == o.sess {
			return o.encodeRemote(ctx, x)
		}
	case *ValuePromise:
		if x == nil {
			return nil, NewMalformedExpressionError("nil value promise", nil)
		}
		if v, ok, err := x.p.peek(); ok {
			if err != nil {
				return nil, err
			}
			return o.encodeCap(ctx, v)
		}
		if rc, ok := x.pipeline.(*remoteCap); ok && rc.sess == o.sess {
			return o.encodeRemote(ctx, rc)
		}
		v, err := x.Await(ctx)
		if err != nil {
			return nil, err
		}
		return o.encodeCap(ctx, v)
	case *FunctionPromise:
		if x == nil {
			return nil, NewMalformedExpressionError("nil function promise", nil)
		}
		if f, ok, err := x.p.peek(); ok {
			if err != nil {
				return nil, err
			}
			return o.encodeCap(ctx, f)
		}
		if rc, ok := x.pipeline.(*remoteCap); ok && rc.sess == o.sess {
			return o.encodeRemote(ctx, rc)
		}
		f, err := x.Await(ctx)
		if err != nil {
			return nil, err
		}
		return o.encodeCap(ctx, f)
	}
	return senderHostedRef(o.sess.export(c)), nil
}

func (o *outgoing) encodeRemote(ctx context.Context, rc *remoteCap) (*structpb.Value, error) {
	if !rc.target.promised {
		return receiverHostedRef(rc.target.id), nil
	}
	if o.sess.pin(rc.target.question) {
		o.pins = append(o.pins, rc.target.question)
		return receiverAnswerRef(rc.target.question, rc.target.field), nil
	}
	// The answer is gone, so the promise has settled; use its result.
	resolved, err := rc.fallback(ctx)
	if err != nil {
		return nil, err
	}
	return o.encodeCap(ctx, resolved)
}
