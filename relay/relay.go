// Package relay forwards a decoded upstream stream to an optional TCP sink
// while accumulating the fragments into a single result.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// PlainPace is the delay before each fragment forwarded by a plain relay.
	PlainPace = 100 * time.Millisecond

	DefaultDialTimeout = 10 * time.Second

	// MaxLineSize bounds a single upstream line read by Lines.
	MaxLineSize = 1 << 20
)

// ErrorKind tags the reason a relay run ended early.
type ErrorKind int

const (
	KindNone       ErrorKind = iota
	KindDecode               // malformed chunk
	KindConnection           // sink unreachable or write failure
	KindUpstream             // upstream request or read failure
	KindEncode               // fragment could not be serialized
	KindCanceled             // context done while relaying
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindDecode:
		return "decode"
	case KindConnection:
		return "connection"
	case KindUpstream:
		return "upstream"
	case KindEncode:
		return "encode"
	case KindCanceled:
		return "canceled"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// SinkAddress is where forwarded fragments are written.
type SinkAddress struct {
	Host string
	Port int
}

func (a SinkAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Message is the unit written to the sink, one JSON object per write.
type Message struct {
	Output string `json:"output"`
}

// ConnectionError reports a failure to reach or write to the sink.
type ConnectionError struct {
	Addr string
	Op   string // "dial" or "write"
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("sink %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Result is the outcome of a relay run.
//
// On success Output holds every fragment in arrival order. On failure Err and
// Kind describe what went wrong, Partial holds the fragments accumulated before
// the failure and Output holds err.Error(), unless Options.KeepPartial was set
// in which case Output is the partial accumulation.
type Result struct {
	Output    string
	Partial   string
	Fragments int

	Err  error
	Kind ErrorKind
}

func (r Result) OK() bool { return r.Err == nil }

// Dialer opens the sink connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Options struct {
	// Decoder defaults to Structured{}.
	Decoder Decoder

	// Sink is optional. Without it the stream is only accumulated.
	Sink *SinkAddress

	// Pace is a fixed delay before each fragment. It throttles output for
	// human readers, the upstream is not slowed down.
	Pace time.Duration

	// KeepPartial returns the partial accumulation as Output on failure
	// instead of the error text.
	KeepPartial bool

	// WriteTimeout bounds each sink write when positive.
	WriteTimeout time.Duration

	// Dialer defaults to a net.Dialer with DefaultDialTimeout.
	Dialer Dialer

	Logger *zap.Logger
}

type Relay struct {
	opts Options

	sleep func(ctx context.Context, d time.Duration) error
}

func New(opts Options) *Relay {
	if opts.Decoder == nil {
		opts.Decoder = Structured{}
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{Timeout: DefaultDialTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Relay{opts: opts, sleep: sleepCtx}
}

// NewStructured returns a relay decoding JSON chunks with a "response" field.
func NewStructured(sink *SinkAddress, logger *zap.Logger) *Relay {
	return New(Options{Decoder: Structured{}, Sink: sink, Logger: logger})
}

// NewPlain returns a relay forwarding chunks verbatim, paced by PlainPace.
func NewPlain(sink *SinkAddress, logger *zap.Logger) *Relay {
	return New(Options{Decoder: Plain{}, Sink: sink, Pace: PlainPace, Logger: logger})
}

// Run consumes chunks in order, forwarding each decoded fragment to the sink
// if one is configured. The sink connection, if opened, is closed exactly once
// before Run returns. Run never returns an error; failures are reported in the
// Result.
func (r *Relay) Run(ctx context.Context, chunks iter.Seq2[[]byte, error]) Result {
	var conn net.Conn
	if r.opts.Sink != nil {
		addr := r.opts.Sink.String()
		c, err := r.opts.Dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return r.fail(KindConnection, &ConnectionError{Addr: addr, Op: "dial", Err: err}, "", 0)
		}
		conn = c
		defer conn.Close()
	}

	var (
		out strings.Builder
		n   int
	)
	for chunk, err := range chunks {
		if err != nil {
			return r.fail(KindUpstream, err, out.String(), n)
		}
		if r.opts.Pace > 0 {
			if err := r.sleep(ctx, r.opts.Pace); err != nil {
				return r.fail(KindCanceled, err, out.String(), n)
			}
		}

		frag, err := r.opts.Decoder.Decode(chunk)
		if err != nil {
			return r.fail(KindDecode, err, out.String(), n)
		}
		out.WriteString(frag)
		n++
		fragmentsForwarded.Inc()

		if conn == nil {
			continue
		}
		msg, err := encodeMessage(frag)
		if err != nil {
			return r.fail(KindEncode, err, out.String(), n)
		}
		if r.opts.WriteTimeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(r.opts.WriteTimeout)); err != nil {
				return r.fail(KindConnection, &ConnectionError{Addr: r.opts.Sink.String(), Op: "write", Err: err}, out.String(), n)
			}
		}
		if _, err := conn.Write(msg); err != nil {
			return r.fail(KindConnection, &ConnectionError{Addr: r.opts.Sink.String(), Op: "write", Err: err}, out.String(), n)
		}
	}

	return Result{Output: out.String(), Fragments: n}
}

// Abort reports a failure that happened before the stream could be relayed,
// following the same output policy as Run.
func (r *Relay) Abort(kind ErrorKind, err error) Result {
	return r.fail(kind, err, "", 0)
}

func (r *Relay) fail(kind ErrorKind, err error, partial string, n int) Result {
	relayFailures.WithLabelValues(kind.String()).Inc()
	r.opts.Logger.Error("relay failed",
		zap.Stringer("kind", kind),
		zap.Int("fragments", n),
		zap.Error(err),
	)

	res := Result{
		Output:    err.Error(),
		Partial:   partial,
		Fragments: n,
		Err:       err,
		Kind:      kind,
	}
	if r.opts.KeepPartial {
		res.Output = partial
	}
	return res
}

func encodeMessage(frag string) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(Message{Output: frag}); err != nil {
		return nil, err
	}
	// Encode terminates with a newline, the sink protocol has no framing
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Lines yields the non-empty lines of r as they arrive. A read error ends the
// sequence after being yielded.
func Lines(r io.Reader) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			if !yield(bytes.Clone(line), nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// Chunks yields each string in s as a chunk.
func Chunks[S ~string](s ...S) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for _, c := range s {
			if !yield([]byte(c), nil) {
				return
			}
		}
	}
}
