package qtrigger

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/kardianos/qtrigger/qauth"
	"github.com/kardianos/qtrigger/qext"
	"github.com/kardianos/qtrigger/qwire"
	"pkt.systems/pslog"
)

// StatusOK is the only status the protocol reports. Failures are carried in
// the error field of the body.
const StatusOK = 200

// call is the state of one request moving through the pipeline.
type call struct {
	s       *Server
	log     pslog.Logger
	req     *Request
	ev      *qext.RequestEvent
	pending bool
}

// handle runs one decoded request envelope and returns the framed reply.
// A nil reply means the connection is closed without one.
func (s *Server) handle(ctx context.Context, env qwire.Envelope, remote string) (reply []byte) {
	req := &Request{
		ID:          uuid.NewString(),
		Trigger:     env.Trigger,
		Body:        env.Payload,
		Credentials: qauth.ParseCredentials(env.Credentials),
		RemoteAddr:  remote,
		Start:       time.Now(),
		server:      s,
	}
	c := &call{
		s:   s,
		log: s.log.With("request_id", req.ID, "trigger", req.Trigger, "remote", remote),
		req: req,
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("request panic", "panic", r)
			reply = c.fail(ctx, fail(qext.StageInternal, &InternalError{Value: r}))
		}
	}()

	z, serr := c.run(ctx, env)
	if serr != nil {
		return c.fail(ctx, serr)
	}
	c.log.Debug("request done", "duration", time.Since(req.Start).String(), "size", len(z))
	return qwire.EncodeCompressed(z)
}

// run takes the request from authentication to the end hooks and returns the
// compressed reply body.
func (c *call) run(ctx context.Context, env qwire.Envelope) ([]byte, *stageError) {
	s, req := c.s, c.req

	client, err := s.clients.Authenticate(req.Credentials)
	if err != nil {
		return nil, fail(qext.StageAuth, err)
	}
	req.Client = client

	if fields := s.validator.Validate(req.Trigger, validationFields(env)); fields != nil {
		return nil, fail(qext.StageValidation, &ValidationError{Fields: fields})
	}

	body, unwrapped, err := qwire.UnwrapMessage(env.Payload)
	if err != nil {
		c.log.Warn("ignoring undecodable message field", "err", err)
	}
	if unwrapped {
		req.Body = body
	}

	s.mu.RLock()
	h, ok := s.triggers[req.Trigger]
	middlewares := s.middlewares
	s.mu.RUnlock()
	if !ok {
		return nil, fail(qext.StageTrigger, &UnknownTriggerError{Name: req.Trigger})
	}

	c.ev = req.event()
	c.pending = true
	if err := s.bus.Broadcast(ctx, c.ev); err != nil {
		return nil, fail(qext.StageExtension, &VetoError{Hook: qext.HookRequestBegin, Err: err})
	}

	for _, mw := range middlewares {
		if err := c.middleware(ctx, mw); err != nil {
			return nil, fail(qext.StageMiddleware, &HandlerError{Trigger: req.Trigger, Err: err})
		}
	}
	data, err := c.handler(ctx, h)
	if err != nil {
		return nil, fail(qext.StageHandler, &HandlerError{Trigger: req.Trigger, Err: err})
	}

	b, err := replyBody(data, nil)
	if err != nil {
		return nil, fail(qext.StageInternal, &InternalError{Value: err})
	}
	z, err := qwire.Compress(b)
	if err != nil {
		return nil, fail(qext.StageInternal, &InternalError{Value: err})
	}

	c.pending = false
	err = s.bus.Broadcast(ctx, &qext.ResponseEvent{
		Request:  c.ev,
		Status:   StatusOK,
		Data:     data,
		Size:     len(z),
		Duration: time.Since(req.Start),
	})
	if err != nil {
		return nil, fail(qext.StageExtension, &VetoError{Hook: qext.HookRequestEnd, Err: err})
	}
	return z, nil
}

// validationFields is the union of the credentials and the payload. Absent
// credential ip and language resolve to the wildcard, as they do for
// authentication. Payload fields win on collision.
func validationFields(env qwire.Envelope) map[string]any {
	fields := make(map[string]any, len(env.Credentials)+len(env.Payload)+2)
	maps.Copy(fields, env.Credentials)
	for _, k := range []string{qauth.FieldIP, qauth.FieldLanguage} {
		if v, ok := fields[k]; !ok || v == nil {
			fields[k] = qauth.Wildcard
		}
	}
	maps.Copy(fields, env.Payload)
	return fields
}

func (c *call) middleware(ctx context.Context, mw Middleware) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return mw(ctx, c.req)
}

func (c *call) handler(ctx context.Context, h Handler) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, c.req)
}

// fail reports a terminal error to the extensions and frames it as the reply.
func (c *call) fail(ctx context.Context, serr *stageError) []byte {
	if c.ev == nil {
		c.ev = c.req.event()
	}
	c.log.Info("request failed", "stage", serr.stage.String(), "err", serr.err)
	_ = c.s.bus.Broadcast(ctx, &qext.ErrorEvent{
		Request: c.ev,
		Stage:   serr.stage,
		Err:     serr.err,
		Pending: c.pending,
	})
	c.pending = false

	b, err := replyBody(nil, serr.err)
	if err != nil {
		b, err = replyBody(nil, errors.New(serr.err.Error()))
	}
	if err != nil {
		c.log.Error("encode error reply", "err", err)
		return nil
	}
	out, err := qwire.Encode(b)
	if err != nil {
		c.log.Error("compress error reply", "err", err)
		return nil
	}
	return out
}
