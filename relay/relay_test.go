package relay

import (
	"context"
	"errors"
	"iter"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	net.Conn

	writes []string
	closed int
	failAt int // 1-based write that fails, 0 never

	deadlineErr error
}

func (c *fakeConn) Write(b []byte) (int, error) {
	if c.failAt > 0 && len(c.writes)+1 == c.failAt {
		return 0, errors.New("broken pipe")
	}
	c.writes = append(c.writes, string(b))
	return len(b), nil
}

func (c *fakeConn) Close() error {
	c.closed++
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return c.deadlineErr }

type fakeDialer struct {
	conn  *fakeConn
	err   error
	addrs []string
}

func (d *fakeDialer) DialContext(_ context.Context, network, addr string) (net.Conn, error) {
	d.addrs = append(d.addrs, network+"://"+addr)
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

var testSink = &SinkAddress{Host: "sink.test", Port: 9999}

// newTestRelay returns a relay whose pacing is recorded instead of slept.
func newTestRelay(opts Options) (*Relay, *[]time.Duration) {
	var slept []time.Duration
	r := New(opts)
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return r, &slept
}

func TestStructuredRelayToSink(t *testing.T) {
	conn := &fakeConn{}
	d := &fakeDialer{conn: conn}
	r, slept := newTestRelay(Options{Decoder: Structured{}, Sink: testSink, Dialer: d})

	res := r.Run(context.Background(), Chunks(
		`{"response":"Hello"}`,
		`{"response":" World"}`,
	))

	require.True(t, res.OK())
	assert.Equal(t, "Hello World", res.Output)
	assert.Equal(t, 2, res.Fragments)
	assert.Equal(t, []string{`{"output":"Hello"}`, `{"output":" World"}`}, conn.writes)
	assert.Equal(t, 1, conn.closed)
	assert.Equal(t, []string{"tcp://sink.test:9999"}, d.addrs)
	assert.Empty(t, *slept)
}

func TestPlainRelayPaces(t *testing.T) {
	conn := &fakeConn{}
	r, slept := newTestRelay(Options{Decoder: Plain{}, Sink: testSink, Pace: PlainPace, Dialer: &fakeDialer{conn: conn}})

	res := r.Run(context.Background(), Chunks("a", "b", "c"))

	require.True(t, res.OK())
	assert.Equal(t, "abc", res.Output)
	assert.Equal(t, []string{`{"output":"a"}`, `{"output":"b"}`, `{"output":"c"}`}, conn.writes)
	assert.Equal(t, []time.Duration{PlainPace, PlainPace, PlainPace}, *slept)
	assert.Equal(t, 1, conn.closed)
}

func TestNewPlainDefaults(t *testing.T) {
	r := NewPlain(nil, nil)
	assert.Equal(t, PlainPace, r.opts.Pace)
	assert.IsType(t, Plain{}, r.opts.Decoder)

	r = NewStructured(nil, nil)
	assert.Zero(t, r.opts.Pace)
	assert.IsType(t, Structured{}, r.opts.Decoder)
}

func TestRelayWithoutSink(t *testing.T) {
	d := &fakeDialer{err: errors.New("should not dial")}
	r, _ := newTestRelay(Options{Dialer: d})

	res := r.Run(context.Background(), Chunks(`{"response":"pur"}`, `{"response":""}`, `{"response":"r"}`))

	require.True(t, res.OK())
	assert.Equal(t, "purr", res.Output)
	assert.Equal(t, 3, res.Fragments)
	assert.Empty(t, d.addrs)
}

func TestRelayEmptyStream(t *testing.T) {
	conn := &fakeConn{}
	r, _ := newTestRelay(Options{Sink: testSink, Dialer: &fakeDialer{conn: conn}})

	res := r.Run(context.Background(), Chunks[string]())

	require.True(t, res.OK())
	assert.Equal(t, "", res.Output)
	assert.Empty(t, conn.writes)
	assert.Equal(t, 1, conn.closed)
}

func TestRelayEscapesJSON(t *testing.T) {
	conn := &fakeConn{}
	r, _ := newTestRelay(Options{Decoder: Plain{}, Sink: testSink, Dialer: &fakeDialer{conn: conn}})

	res := r.Run(context.Background(), Chunks("say \"meow\"\n<b>"))

	require.True(t, res.OK())
	require.Len(t, conn.writes, 1)
	assert.Equal(t, `{"output":"say \"meow\"\n<b>"}`, conn.writes[0])
}

func TestRelayDecodeFailure(t *testing.T) {
	conn := &fakeConn{}
	r, _ := newTestRelay(Options{Sink: testSink, Dialer: &fakeDialer{conn: conn}})

	res := r.Run(context.Background(), Chunks(`{"response":"Hello"}`, `not json`, `{"response":"never"}`))

	require.False(t, res.OK())
	assert.Equal(t, KindDecode, res.Kind)
	assert.Equal(t, res.Err.Error(), res.Output)
	assert.Equal(t, "Hello", res.Partial)
	assert.Equal(t, 1, res.Fragments)
	assert.Equal(t, []string{`{"output":"Hello"}`}, conn.writes)
	assert.Equal(t, 1, conn.closed)

	var de *DecodeError
	assert.ErrorAs(t, res.Err, &de)
}

func TestRelayKeepPartial(t *testing.T) {
	r, _ := newTestRelay(Options{KeepPartial: true})

	res := r.Run(context.Background(), Chunks(`{"response":"Hel"}`, `{"response":"lo"}`, `{"oops":1}`))

	require.False(t, res.OK())
	assert.Equal(t, "Hello", res.Output)
	assert.Equal(t, "Hello", res.Partial)
}

func TestRelayDialFailure(t *testing.T) {
	r, _ := newTestRelay(Options{Sink: testSink, Dialer: &fakeDialer{err: errors.New("connection refused")}})

	res := r.Run(context.Background(), Chunks(`{"response":"Hello"}`))

	require.False(t, res.OK())
	assert.Equal(t, KindConnection, res.Kind)
	assert.Contains(t, res.Output, "connection refused")
	assert.Contains(t, res.Output, "sink.test:9999")
	assert.Zero(t, res.Fragments)

	var ce *ConnectionError
	require.ErrorAs(t, res.Err, &ce)
	assert.Equal(t, "dial", ce.Op)
}

func TestRelayWriteFailure(t *testing.T) {
	conn := &fakeConn{failAt: 2}
	r, _ := newTestRelay(Options{Decoder: Plain{}, Sink: testSink, Dialer: &fakeDialer{conn: conn}})

	res := r.Run(context.Background(), Chunks("a", "b", "c"))

	require.False(t, res.OK())
	assert.Equal(t, KindConnection, res.Kind)
	assert.Equal(t, "ab", res.Partial)
	assert.Equal(t, []string{`{"output":"a"}`}, conn.writes)
	assert.Equal(t, 1, conn.closed)

	var ce *ConnectionError
	require.ErrorAs(t, res.Err, &ce)
	assert.Equal(t, "write", ce.Op)
}

func TestRelayWriteDeadlineFailure(t *testing.T) {
	conn := &fakeConn{deadlineErr: errors.New("use of closed network connection")}
	r, _ := newTestRelay(Options{
		Decoder:      Plain{},
		Sink:         testSink,
		Dialer:       &fakeDialer{conn: conn},
		WriteTimeout: time.Second,
	})

	res := r.Run(context.Background(), Chunks("a", "b"))

	require.False(t, res.OK())
	assert.Equal(t, KindConnection, res.Kind)
	assert.Equal(t, "a", res.Partial)
	assert.Empty(t, conn.writes)
	assert.Equal(t, 1, conn.closed)
	assert.ErrorContains(t, res.Err, "closed network connection")
}

func TestRelayUpstreamFailure(t *testing.T) {
	conn := &fakeConn{}
	r, _ := newTestRelay(Options{Decoder: Plain{}, Sink: testSink, Dialer: &fakeDialer{conn: conn}})

	var chunks iter.Seq2[[]byte, error] = func(yield func([]byte, error) bool) {
		if !yield([]byte("a"), nil) {
			return
		}
		yield(nil, errors.New("unexpected EOF"))
	}
	res := r.Run(context.Background(), chunks)

	require.False(t, res.OK())
	assert.Equal(t, KindUpstream, res.Kind)
	assert.Equal(t, "unexpected EOF", res.Output)
	assert.Equal(t, "a", res.Partial)
	assert.Equal(t, 1, conn.closed)
}

func TestRelayCanceledWhilePacing(t *testing.T) {
	conn := &fakeConn{}
	r := New(Options{Decoder: Plain{}, Sink: testSink, Pace: time.Hour, Dialer: &fakeDialer{conn: conn}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := r.Run(ctx, Chunks("a"))

	require.False(t, res.OK())
	assert.Equal(t, KindCanceled, res.Kind)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Empty(t, conn.writes)
	assert.Equal(t, 1, conn.closed)
}

func TestAbort(t *testing.T) {
	r := New(Options{})
	res := r.Abort(KindUpstream, errors.New("no route to host"))
	assert.False(t, res.OK())
	assert.Equal(t, "no route to host", res.Output)
	assert.Equal(t, "upstream", res.Kind.String())
}

func TestLines(t *testing.T) {
	in := strings.NewReader("{\"response\":\"a\"}\n\n{\"response\":\"b\"}\n{\"response\":\"c\"}")

	var got []string
	for line, err := range Lines(in) {
		require.NoError(t, err)
		got = append(got, string(line))
	}
	assert.Equal(t, []string{`{"response":"a"}`, `{"response":"b"}`, `{"response":"c"}`}, got)
}

func TestLinesTooLong(t *testing.T) {
	in := strings.NewReader(strings.Repeat("x", MaxLineSize+1))

	var errs int
	for _, err := range Lines(in) {
		if err != nil {
			errs++
		}
	}
	assert.Equal(t, 1, errs)
}

func TestSinkAddressString(t *testing.T) {
	assert.Equal(t, "localhost:9000", SinkAddress{Host: "localhost", Port: 9000}.String())
	assert.Equal(t, "[::1]:9000", SinkAddress{Host: "::1", Port: 9000}.String())
}
