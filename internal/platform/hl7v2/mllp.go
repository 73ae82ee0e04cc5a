package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MLLP framing bytes: <VT> message <FS><CR>.
const (
	MLLPStartBlock     = 0x0B
	MLLPEndBlock       = 0x1C
	MLLPCarriageReturn = 0x0D

	mllpMaxMessageSize = 1 << 20
	mllpReadTimeout    = 30 * time.Second
	mllpWriteTimeout   = 10 * time.Second
)

// Acknowledgment codes of MSA-1.
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

// ErrNotAcknowledged is returned when the receiver answers with anything
// other than an accept code.
var ErrNotAcknowledged = errors.New("hl7v2: message not acknowledged")

// FrameMessage wraps raw bytes in MLLP framing.
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	return append(frame, MLLPEndBlock, MLLPCarriageReturn)
}

// UnframeMessage extracts the first complete frame from data and returns
// the bytes after it.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	start := bytes.IndexByte(data, MLLPStartBlock)
	if start == -1 {
		return nil, data, false
	}
	end := bytes.Index(data[start+1:], []byte{MLLPEndBlock, MLLPCarriageReturn})
	if end == -1 {
		return nil, data, false
	}
	end += start + 1
	return data[start+1 : end], data[end+2:], true
}

// readFrame reads from conn until one complete frame arrives.
func readFrame(conn net.Conn, buf []byte) (msg []byte, rest []byte, err error) {
	chunk := make([]byte, 4096)
	for {
		if m, r, ok := UnframeMessage(buf); ok {
			return m, r, nil
		}
		if len(buf) > mllpMaxMessageSize {
			return nil, nil, fmt.Errorf("mllp: frame exceeds %d bytes", mllpMaxMessageSize)
		}
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			if _, _, ok := UnframeMessage(buf); ok {
				continue
			}
			return nil, nil, err
		}
	}
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// Forwarder delivers encoded messages to a downstream receiver over MLLP,
// one connection per message, and checks the acknowledgment.
type Forwarder struct {
	addr    string
	timeout time.Duration
	log     zerolog.Logger
}

// NewForwarder returns a forwarder to addr. timeout bounds the whole
// exchange; zero means the read timeout.
func NewForwarder(addr string, timeout time.Duration, log zerolog.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = mllpReadTimeout
	}
	return &Forwarder{addr: addr, timeout: timeout, log: log.With().Str("component", "mllp_forwarder").Logger()}
}

// Forward sends raw and waits for its ACK. Segments are re-separated with
// carriage returns as MLLP receivers expect.
func (f *Forwarder) Forward(ctx context.Context, raw string) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", f.addr)
	if err != nil {
		return fmt.Errorf("mllp: dial %s: %w", f.addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	payload := strings.ReplaceAll(strings.ReplaceAll(raw, "\r\n", "\r"), "\n", "\r")
	if _, err := conn.Write(FrameMessage([]byte(payload))); err != nil {
		return fmt.Errorf("mllp: write: %w", err)
	}

	frame, _, err := readFrame(conn, nil)
	if err != nil {
		return fmt.Errorf("mllp: read ack: %w", err)
	}
	ack, err := Parse(frame)
	if err != nil {
		return fmt.Errorf("mllp: parse ack: %w", err)
	}
	code := AckCode(ack)
	if code != AckAccept && code != "CA" {
		return fmt.Errorf("%w: MSA-1 %q", ErrNotAcknowledged, code)
	}
	f.log.Debug().Str("addr", f.addr).Str("control_id", ack.ControlID).Msg("message acknowledged")
	return nil
}

// AckCode returns MSA-1 of an acknowledgment.
func AckCode(ack *Message) string {
	if msa := ack.GetSegment("MSA"); msa != nil {
		return msa.GetField(1)
	}
	return ""
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// MessageHandler answers one inbound message. A nil reply sends nothing.
type MessageHandler func(msg *Message) *Message

// AcceptAll acknowledges every message with AA.
func AcceptAll(msg *Message) *Message {
	return GenerateACK(msg, AckAccept, time.Now())
}

// Listener accepts MLLP connections and answers each framed message with
// its handler's reply.
type Listener struct {
	addr    string
	handler MessageHandler
	log     zerolog.Logger

	ln    net.Listener
	mu    sync.Mutex
	conns map[net.Conn]struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

func NewListener(addr string, handler MessageHandler, log zerolog.Logger) *Listener {
	if handler == nil {
		handler = AcceptAll
	}
	return &Listener{
		addr:    addr,
		handler: handler,
		log:     log.With().Str("component", "mllp_listener").Logger(),
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
}

// Start binds the address and serves in the background.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("mllp: listen on %s: %w", l.addr, err)
	}
	l.ln = ln
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.acceptLoop()
	}()
	l.log.Info().Str("addr", ln.Addr().String()).Msg("mllp listener started")
	return nil
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines.
func (l *Listener) Stop() error {
	close(l.done)
	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}
	l.mu.Lock()
	for c := range l.conns {
		c.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()
	return err
}

// Addr is the bound address, useful after listening on port 0.
func (l *Listener) Addr() string {
	if l.ln != nil {
		return l.ln.Addr().String()
	}
	return l.addr
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
			default:
				l.log.Error().Err(err).Msg("mllp accept failed")
			}
			return
		}
		l.track(conn, true)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.track(conn, false)
			defer conn.Close()
			l.serve(conn)
		}()
	}
}

func (l *Listener) track(conn net.Conn, add bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if add {
		l.conns[conn] = struct{}{}
	} else {
		delete(l.conns, conn)
	}
}

func (l *Listener) serve(conn net.Conn) {
	var buf []byte
	for {
		select {
		case <-l.done:
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(mllpReadTimeout))
		frame, rest, err := readFrame(conn, buf)
		if err != nil {
			return
		}
		buf = rest

		msg, err := Parse(frame)
		if err != nil {
			l.log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("unparsable mllp message")
			continue
		}
		reply := l.handler(msg)
		if reply == nil {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(mllpWriteTimeout))
		if _, err := conn.Write(FrameMessage(SerializeMessage(reply))); err != nil {
			l.log.Warn().Err(err).Msg("mllp reply failed")
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Acknowledgments
// ---------------------------------------------------------------------------

// GenerateACK builds the acknowledgment of incoming with routing swapped
// and MSA-2 referencing the incoming control id.
func GenerateACK(incoming *Message, code string, at time.Time) *Message {
	trigger := ""
	if _, t, ok := strings.Cut(incoming.Type, "^"); ok {
		trigger = t
	}
	at = at.UTC()
	controlID := "ACK" + at.Format("20060102150405.000")

	ack := &Message{
		Type:         "ACK^" + trigger,
		ControlID:    controlID,
		Version:      incoming.Version,
		Timestamp:    at,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
	}
	field := func(v string) Field { return parseField(v) }
	ack.Segments = []Segment{
		{Name: "MSH", Fields: []Field{
			{Value: "|", Components: []string{"|"}},
			{Value: `^~\&`, Components: []string{`^~\&`}},
			field(ack.SendingApp),
			field(ack.SendingFac),
			field(ack.ReceivingApp),
			field(ack.ReceivingFac),
			field(at.Format(timestampLayout)),
			field(""),
			field(ack.Type),
			field(controlID),
			field("P"),
			field(incoming.Version),
		}},
		{Name: "MSA", Fields: []Field{field(code), field(incoming.ControlID)}},
	}
	return ack
}

// SerializeMessage renders a message with carriage-return segment
// separators.
func SerializeMessage(msg *Message) []byte {
	lines := make([]string, 0, len(msg.Segments))
	for _, seg := range msg.Segments {
		values := make([]string, 0, len(seg.Fields))
		fields := seg.Fields
		if seg.Name == "MSH" && len(fields) > 0 {
			// MSH-1 is the separator itself
			fields = fields[1:]
		}
		for _, f := range fields {
			values = append(values, f.Value)
		}
		lines = append(lines, seg.Name+"|"+strings.Join(values, "|"))
	}
	return []byte(strings.Join(lines, "\r"))
}
