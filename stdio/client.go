package stdio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-provider-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-provider-go/internal/outbound"
	"github.com/ggoodman/mcp-provider-go/mcp"
	"github.com/ggoodman/mcp-provider-go/provider"
)

// State is the lifecycle stage of a Client.
type State int32

const (
	StateUnstarted State = iota
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Command describes the subprocess a Client spawns.
type Command struct {
	Path string
	Args []string
	// Env is layered over the parent's environment.
	Env map[string]string
	Dir string
}

// closeGrace bounds how long Close waits for the output stream to drain
// after the subprocess is killed.
const closeGrace = 2 * time.Second

// Client speaks to one stdio MCP server. It is safe for concurrent use; any
// number of calls may be in flight.
type Client struct {
	log    *slog.Logger
	stderr io.Writer
	onNote func(method string, params []byte)

	state atomic.Int32

	cmd    *exec.Cmd
	in     io.WriteCloser
	out    io.ReadCloser
	mux    *writeMux
	d      *outbound.Dispatcher
	readWG sync.WaitGroup

	closeOnce sync.Once
	done      chan struct{}
	exitErr   error
}

func newClient(opts []ClientOption) *Client {
	c := &Client{
		log:    slog.Default(),
		stderr: os.Stderr,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Start launches cmd and returns a running Client.
func Start(cmd Command, opts ...ClientOption) (*Client, error) {
	if cmd.Path == "" {
		return nil, &provider.TransportError{Op: "start", Err: errors.New("empty command")}
	}
	c := newClient(opts)

	ec := exec.Command(cmd.Path, cmd.Args...)
	ec.Dir = cmd.Dir
	ec.Env = mergeEnv(os.Environ(), cmd.Env)
	ec.Stderr = c.stderr

	stdin, err := ec.StdinPipe()
	if err != nil {
		return nil, &provider.TransportError{Op: "start", Err: err}
	}
	stdout, err := ec.StdoutPipe()
	if err != nil {
		return nil, &provider.TransportError{Op: "start", Err: err}
	}
	if err := ec.Start(); err != nil {
		return nil, &provider.TransportError{Op: "start", Err: err}
	}

	c.cmd = ec
	c.log = c.log.With(slog.String("command", cmd.Path), slog.Int("pid", ec.Process.Pid))
	c.run(stdin, stdout)
	c.log.Info("stdio.client.start")
	return c, nil
}

// Connect runs a Client over existing streams: r carries the server's
// output, w its input. Closing the client closes w and, when possible, r.
func Connect(r io.Reader, w io.Writer, opts ...ClientOption) *Client {
	c := newClient(opts)
	c.run(nopWriteCloser(w), nopReadCloser(r))
	return c
}

func (c *Client) run(in io.WriteCloser, out io.ReadCloser) {
	c.in = in
	c.out = out
	c.mux = newWriteMux(in)
	c.d = outbound.New(clientTransport{mux: c.mux})
	c.state.Store(int32(StateRunning))

	c.readWG.Add(1)
	go c.readLoop()
	go c.wait()
}

// wait reaps the subprocess once its output is drained, then fails every
// pending call.
func (c *Client) wait() {
	c.readWG.Wait()

	cause := error(provider.ErrClosed)
	if c.cmd != nil {
		if err := c.cmd.Wait(); err != nil {
			c.exitErr = err
			cause = fmt.Errorf("%w: subprocess exited: %v", provider.ErrClosed, err)
		} else {
			cause = fmt.Errorf("%w: subprocess exited", provider.ErrClosed)
		}
		c.log.Info("stdio.client.exit", slog.String("state", c.cmd.ProcessState.String()))
	}

	c.state.Store(int32(StateClosed))
	c.d.Close(&provider.TransportError{Op: "read", Err: cause})
	close(c.done)
}

func (c *Client) readLoop() {
	defer c.readWG.Done()

	lr := newLineReader(c.out)
	for {
		line, err := lr.next()
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				c.log.Warn("stdio.client.read.invalid", slog.String("err", err.Error()))
				continue
			}
			if !errors.Is(err, io.EOF) && c.State() != StateClosed {
				c.log.Warn("stdio.client.read.fail", slog.String("err", err.Error()))
			}
			return
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		msg, err := jsonrpc.Decode(line)
		if err != nil {
			c.log.Warn("stdio.client.read.invalid", slog.String("err", err.Error()))
			continue
		}

		switch msg.Type() {
		case "response":
			if !c.d.OnResponse(msg.AsResponse()) {
				c.log.Debug("stdio.client.response.unmatched", slog.String("id", msg.ID.String()))
			}
		case "notification":
			c.d.OnNotification(msg)
			if c.onNote != nil {
				c.onNote(msg.Method, msg.Params)
			}
		case "request":
			c.answerServerRequest(msg.AsRequest())
		}
	}
}

// answerServerRequest replies to requests the server initiates. Only ping
// is supported.
func (c *Client) answerServerRequest(req *jsonrpc.Request) {
	var res *jsonrpc.Response
	if req.Method == string(mcp.PingMethod) {
		res, _ = jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
	} else {
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "Method not found: "+req.Method, nil)
	}
	if err := c.mux.writeJSONRPC(res); err != nil {
		c.log.Warn("stdio.client.write.fail", slog.String("err", err.Error()))
	}
}

// State reports the lifecycle stage.
func (c *Client) State() State { return State(c.state.Load()) }

// Done is closed once the peer is gone and every pending call has failed.
func (c *Client) Done() <-chan struct{} { return c.done }

// ProcessState reports the subprocess exit status once it has been reaped.
func (c *Client) ProcessState() *os.ProcessState {
	if c.cmd == nil {
		return nil
	}
	select {
	case <-c.done:
		return c.cmd.ProcessState
	default:
		return nil
	}
}

// Err reports how the subprocess exited once Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.exitErr
	default:
		return nil
	}
}

// Call sends one request and waits for its response. There is no built-in
// timeout; bound the call with ctx.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.State() != StateRunning {
		return nil, &provider.TransportError{Op: "call", Err: provider.ErrClosed}
	}

	resp, err := c.d.Call(ctx, method, params)
	if err != nil {
		var te *provider.TransportError
		if errors.As(err, &te) {
			return nil, err
		}
		if errors.Is(err, outbound.ErrDispatcherClosed) {
			err = provider.ErrClosed
		}
		return nil, &provider.TransportError{Op: "call", Err: err}
	}
	if resp.Error != nil {
		return nil, provider.ProtocolErrorFrom(resp.Error)
	}
	return resp.Result, nil
}

// Notify sends a notification.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if c.State() != StateRunning {
		return &provider.TransportError{Op: "notify", Err: provider.ErrClosed}
	}
	note, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	if err := c.mux.writeJSONRPC(note); err != nil {
		return &provider.TransportError{Op: "notify", Err: err}
	}
	return nil
}

// Close terminates the subprocess and fails pending calls. It waits until
// the process has been reaped.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		_ = c.in.Close()

		if c.cmd != nil && c.cmd.Process != nil {
			if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				c.log.Warn("stdio.client.kill.fail", slog.String("err", err.Error()))
			}
		}

		if c.cmd == nil {
			_ = c.out.Close()
		}

		readDone := make(chan struct{})
		go func() {
			c.readWG.Wait()
			close(readDone)
		}()
		select {
		case <-readDone:
		case <-time.After(closeGrace):
			// A grandchild may still hold the pipe open.
			_ = c.out.Close()
		}
		<-c.done
		c.log.Info("stdio.client.closed")
	})
	return nil
}

type clientTransport struct{ mux *writeMux }

func (t clientTransport) SendRequest(ctx context.Context, req *jsonrpc.Request) error {
	if err := t.mux.writeJSONRPC(req); err != nil {
		return &provider.TransportError{Op: "write", Err: err}
	}
	return nil
}

func (t clientTransport) SendCancelled(ctx context.Context, id *jsonrpc.RequestID) error {
	note, err := jsonrpc.NewNotification(string(mcp.CancelledNotificationMethod), map[string]any{"requestId": id})
	if err != nil {
		return err
	}
	return t.mux.writeJSONRPC(note)
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := append([]string(nil), base...)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

type writeCloser struct{ io.Writer }

func (writeCloser) Close() error { return nil }

func nopWriteCloser(w io.Writer) io.WriteCloser {
	if wc, ok := w.(io.WriteCloser); ok {
		return wc
	}
	return writeCloser{w}
}

func nopReadCloser(r io.Reader) io.ReadCloser {
	if rc, ok := r.(io.ReadCloser); ok {
		return rc
	}
	return io.NopCloser(r)
}
