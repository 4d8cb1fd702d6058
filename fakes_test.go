package commandbus

import (
	"context"
	"errors"
	"sync"

	"go-commandbus/channel"
)

type sentMessage struct {
	dest    channel.Address
	payload []byte
	flags   []channel.Flag
}

// fakeChannel records sends and optionally echoes broadcasts back to its own receiver.
type fakeChannel struct {
	mu         sync.Mutex
	address    channel.Address
	name       string
	receiver   channel.Receiver
	connected  bool
	view       channel.View
	sent       []sentMessage
	echo       bool
	sendErr    error
	connectErr error
}

func newFakeChannel(name string) *fakeChannel {
	var addr = channel.Address("addr-" + name)
	return &fakeChannel{
		address: addr,
		name:    name,
		echo:    true,
		view:    channel.View{ID: 1, Members: []channel.Member{{Address: addr, Name: name}}},
	}
}

func (f *fakeChannel) SetReceiver(r channel.Receiver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiver = r
}

func (f *fakeChannel) Connect(ctx context.Context, clusterName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Send(ctx context.Context, dest channel.Address, payload []byte, flags ...channel.Flag) error {
	f.mu.Lock()
	if f.sendErr != nil {
		f.mu.Unlock()
		return f.sendErr
	}
	if !f.connected {
		f.mu.Unlock()
		return channel.ErrNotConnected
	}
	f.sent = append(f.sent, sentMessage{dest: dest, payload: payload, flags: flags})
	var echo, receiver = f.echo && dest == channel.Broadcast, f.receiver
	f.mu.Unlock()

	if echo {
		receiver.Receive(channel.Message{Source: f.address, SourceName: f.name, Payload: payload})
	}
	return nil
}

func (f *fakeChannel) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeChannel) Address() channel.Address {
	return f.address
}

func (f *fakeChannel) Name() string {
	return f.name
}

func (f *fakeChannel) View() channel.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view
}

func (f *fakeChannel) NameOf(addr channel.Address) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.view.Members {
		if m.Address == addr {
			return m.Name, true
		}
	}
	return "", false
}

// setView installs view on the channel and delivers it to the receiver.
func (f *fakeChannel) setView(view channel.View) {
	f.mu.Lock()
	f.view = view
	var receiver = f.receiver
	f.mu.Unlock()

	receiver.ViewAccepted(view)
}

func (f *fakeChannel) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

// recordingSegment dispatches commands to handle and records them.
type recordingSegment struct {
	mu       sync.Mutex
	commands []CommandMessage
	handle   func(cmd CommandMessage) (any, error)
}

func (s *recordingSegment) Dispatch(cmd CommandMessage, callback CommandCallback) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	var handle = s.handle
	s.mu.Unlock()

	if handle == nil {
		callback.OnSuccess(nil)
		return
	}
	if result, err := handle(cmd); err != nil {
		callback.OnFailure(err)
	} else {
		callback.OnSuccess(result)
	}
}

func (s *recordingSegment) dispatched() []CommandMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CommandMessage(nil), s.commands...)
}

// countingCallback counts every outcome it receives.
type countingCallback struct {
	mu        sync.Mutex
	successes []any
	failures  []error
}

func (c *countingCallback) OnSuccess(result any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successes = append(c.successes, result)
}

func (c *countingCallback) OnFailure(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, cause)
}

func (c *countingCallback) outcomes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.successes) + len(c.failures)
}

var errTransport = errors.New("transport unavailable")
