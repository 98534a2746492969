// Package agent implements proctor.Environment over the browser's WebSocket.
// The browser reports platform state and runs commands on request; every
// command is correlated with its reply by id.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/proctor"
	ws "github.com/stemsi/proctord/internal/websocket"
)

// ErrClosed is returned for commands issued after the connection went away.
var ErrClosed = errors.New("agent connection closed")

// ClientError is a command the browser refused or failed to run.
type ClientError struct {
	Command ws.CommandName
	Message string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Message)
}

// SendFunc delivers one frame to the browser.
type SendFunc func(ctx context.Context, v any) error

// Agent is the server-side proxy of one connected browser.
type Agent struct {
	send    SendFunc
	timeout time.Duration
	log     zerolog.Logger

	mu         sync.Mutex
	hello      ws.Hello
	greeted    bool
	online     bool
	fullscreen bool
	pending    map[string]chan ws.Reply
	tracks     map[string]*track
	closed     bool
	done       chan struct{}
}

// New creates an Agent. timeout bounds commands that need no user
// interaction; permission prompts are bounded by the caller's context.
func New(send SendFunc, timeout time.Duration, log zerolog.Logger) *Agent {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Agent{
		send:    send,
		timeout: timeout,
		log:     log.With().Str("component", "agent").Logger(),
		pending: make(map[string]chan ws.Reply),
		tracks:  make(map[string]*track),
		done:    make(chan struct{}),
	}
}

// Greet records the client's hello frame.
func (a *Agent) Greet(h ws.Hello) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hello = h
	a.greeted = true
	a.online = h.Online
	a.fullscreen = h.Fullscreen
}

// Hello returns the recorded hello frame.
func (a *Agent) Hello() (ws.Hello, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hello, a.greeted
}

// Observe keeps the platform state in sync with reported signals.
func (a *Agent) Observe(sig proctor.Signal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch sig.Kind {
	case proctor.SignalFullscreenChange:
		a.fullscreen = sig.Active
	case proctor.SignalOnline:
		a.online = true
	case proctor.SignalOffline:
		a.online = false
	}
}

// Resolve hands a reply to the command waiting on id. It reports false for
// unknown or already answered ids.
func (a *Agent) Resolve(id string, r ws.Reply) bool {
	a.mu.Lock()
	ch, ok := a.pending[id]
	delete(a.pending, id)
	a.mu.Unlock()
	if !ok {
		return false
	}
	ch <- r
	return true
}

// TrackEnded marks a track the browser reports as stopped.
func (a *Agent) TrackEnded(id string) {
	a.mu.Lock()
	t, ok := a.tracks[id]
	a.mu.Unlock()
	if ok {
		t.ended()
	}
}

// Close fails every outstanding and future command.
func (a *Agent) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	close(a.done)
}

// Capabilities implements proctor.Environment.
func (a *Agent) Capabilities() proctor.CapabilitySet {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hello.Capabilities
}

// FullscreenActive implements proctor.Environment.
func (a *Agent) FullscreenActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fullscreen
}

// Online implements proctor.Environment.
func (a *Agent) Online() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.online
}

// GetUserMedia implements proctor.Environment. It waits for the user to
// answer the permission prompt for as long as ctx allows.
func (a *Agent) GetUserMedia(ctx context.Context, c proctor.MediaConstraints) (proctor.MediaStream, error) {
	r, err := a.call(ctx, ws.Command{Name: ws.CommandGetUserMedia, Constraints: &c})
	if err != nil {
		return nil, err
	}

	s := &stream{}
	a.mu.Lock()
	for _, ti := range r.Tracks {
		t := &track{agent: a, id: ti.ID, kind: ti.Kind, live: ti.Live}
		a.tracks[ti.ID] = t
		s.tracks = append(s.tracks, t)
	}
	a.mu.Unlock()
	return s, nil
}

// RequestFullscreen implements proctor.Environment.
func (a *Agent) RequestFullscreen(ctx context.Context) error {
	if _, err := a.call(ctx, ws.Command{Name: ws.CommandRequestFullscreen}); err != nil {
		return err
	}
	a.mu.Lock()
	a.fullscreen = true
	a.mu.Unlock()
	return nil
}

// ExitFullscreen implements proctor.Environment.
func (a *Agent) ExitFullscreen(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if _, err := a.call(ctx, ws.Command{Name: ws.CommandExitFullscreen}); err != nil {
		return err
	}
	a.mu.Lock()
	a.fullscreen = false
	a.mu.Unlock()
	return nil
}

// Battery implements proctor.BatteryReader.
func (a *Agent) Battery(ctx context.Context) (proctor.BatteryStatus, error) {
	a.mu.Lock()
	supported := a.hello.Battery
	a.mu.Unlock()
	if !supported {
		return proctor.BatteryStatus{}, proctor.ErrBatteryUnsupported
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	r, err := a.call(ctx, ws.Command{Name: ws.CommandBattery})
	if err != nil {
		return proctor.BatteryStatus{}, err
	}
	if r.Battery == nil {
		return proctor.BatteryStatus{}, proctor.ErrBatteryUnsupported
	}
	return *r.Battery, nil
}

func (a *Agent) call(ctx context.Context, cmd ws.Command) (ws.Reply, error) {
	cmd.Event = ws.EventCommand
	cmd.ID = uuid.NewString()
	ch := make(chan ws.Reply, 1)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ws.Reply{}, ErrClosed
	}
	a.pending[cmd.ID] = ch
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, cmd.ID)
		a.mu.Unlock()
	}()

	if err := a.send(ctx, cmd); err != nil {
		return ws.Reply{}, fmt.Errorf("send %s: %w", cmd.Name, err)
	}

	select {
	case r := <-ch:
		if !r.OK {
			return r, &ClientError{Command: cmd.Name, Message: r.Error}
		}
		return r, nil
	case <-a.done:
		return ws.Reply{}, ErrClosed
	case <-ctx.Done():
		return ws.Reply{}, ctx.Err()
	}
}

// notify sends a command without waiting for its reply.
func (a *Agent) notify(cmd ws.Command) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}

	cmd.Event = ws.EventCommand
	cmd.ID = uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.send(ctx, cmd); err != nil {
		a.log.Warn().Err(err).Str("command", string(cmd.Name)).Msg("command not delivered")
	}
}

type stream struct{ tracks []proctor.MediaTrack }

func (s *stream) Tracks() []proctor.MediaTrack { return s.tracks }

// track mirrors a browser media track. Stop asks the browser to stop it and
// marks it dead immediately.
type track struct {
	agent *Agent
	id    string
	kind  string

	mu      sync.Mutex
	live    bool
	stopped bool
}

func (t *track) ID() string   { return t.id }
func (t *track) Kind() string { return t.kind }

func (t *track) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *track) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.live = false
	t.mu.Unlock()

	t.agent.notify(ws.Command{Name: ws.CommandStopTracks, TrackIDs: []string{t.id}})
}

func (t *track) ended() {
	t.mu.Lock()
	t.live = false
	t.mu.Unlock()
}

var (
	_ proctor.Environment   = (*Agent)(nil)
	_ proctor.BatteryReader = (*Agent)(nil)
)
