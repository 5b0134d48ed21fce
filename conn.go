package qtrigger

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/kardianos/qtrigger/qstate"
	"github.com/kardianos/qtrigger/qwire"
)

// recordTypeHandshake is the first byte of a TLS ClientHello record.
const recordTypeHandshake = 0x16

type connPhase uint8

const (
	connAccepted connPhase = iota
	connHandshake
	connReading
	connDispatching
	connReplying
	connClosed
)

func (p connPhase) String() string {
	switch p {
	case connAccepted:
		return "accepted"
	case connHandshake:
		return "handshake"
	case connReading:
		return "reading"
	case connDispatching:
		return "dispatching"
	case connReplying:
		return "replying"
	case connClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var connPhases = qstate.NewTable(
	qstate.Transition[connPhase]{From: connAccepted, To: connHandshake, Name: "tls"},
	qstate.Transition[connPhase]{From: connAccepted, To: connReading, Name: "plain"},
	qstate.Transition[connPhase]{From: connHandshake, To: connReading, Name: "handshake done"},
	qstate.Transition[connPhase]{From: connReading, To: connDispatching, Name: "request read"},
	qstate.Transition[connPhase]{From: connDispatching, To: connReplying, Name: "reply"},
	qstate.Transition[connPhase]{From: connAccepted, To: connClosed, Name: "drop"},
	qstate.Transition[connPhase]{From: connHandshake, To: connClosed, Name: "drop"},
	qstate.Transition[connPhase]{From: connReading, To: connClosed, Name: "drop"},
	qstate.Transition[connPhase]{From: connDispatching, To: connClosed, Name: "drop"},
	qstate.Transition[connPhase]{From: connReplying, To: connClosed, Name: "done"},
)

// peekedConn reads through the buffered reader used to sniff the first byte.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// serveConn runs one connection: sniff the transport, read one request,
// reply once and close.
func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	remote := nc.RemoteAddr().String()
	log := s.log.With("remote", remote)
	phase := connPhases.Machine(connAccepted, nil)

	var closer io.Closer = nc
	defer func() {
		_ = closer.Close()
		_ = phase.To(connClosed)
	}()
	drop := func(msg string, kv ...any) {
		log.Debug(msg, append(kv, "phase", phase.Current().String())...)
	}

	_ = nc.SetReadDeadline(time.Now().Add(s.readTimeout))
	br := bufio.NewReader(nc)
	first, err := br.Peek(1)
	if err != nil {
		drop("connection closed before request", "err", err)
		return
	}
	hello := first[0] == recordTypeHandshake
	var conn net.Conn = &peekedConn{Conn: nc, r: br}
	switch {
	case s.tlsCfg == nil && hello:
		drop("dropping TLS handshake on plain listener")
		return
	case s.tlsCfg != nil && !hello:
		drop("dropping plain request on TLS listener")
		return
	case s.tlsCfg != nil:
		_ = phase.To(connHandshake)
		tc := tls.Server(conn, s.tlsCfg)
		hsCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
		err := tc.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			drop("tls handshake failed", "err", err)
			return
		}
		conn, closer = tc, tc
		br = bufio.NewReader(tc)
	}

	_ = phase.To(connReading)
	raw, err := qwire.ReadFrame(br, s.frameLimit())
	if err != nil {
		drop("read request failed", "err", err)
		return
	}
	frame := qwire.Decode(raw)
	if frame.IsZero() {
		drop("malformed request frame")
		return
	}
	if frame.Method != "POST" {
		drop("dropping non-POST request", "method", frame.Method)
		return
	}
	if frame.BodyErr != nil {
		log.Debug("undecodable request body", "err", frame.BodyErr)
	}
	env, err := qwire.DecodeEnvelope(frame.Body)
	if err != nil {
		log.Debug("undecodable request envelope", "err", err)
	}

	_ = phase.To(connDispatching)
	reply := s.handle(ctx, env, remote)
	if reply == nil {
		return
	}

	_ = phase.To(connReplying)
	_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if _, err := conn.Write(reply); err != nil {
		log.Debug("write reply failed", "err", err)
	}
}
