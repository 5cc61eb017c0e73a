package dbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"slices"
	"sync"

	"github.com/busline/dbus/fragments"
	"github.com/busline/dbus/transport"
	"github.com/creachadair/mds/queue"
)

const (
	busName  = "org.freedesktop.DBus"
	busPath  = ObjectPath("/org/freedesktop/DBus")
	busIface = "org.freedesktop.DBus"

	defaultSystemBusAddress = "unix:path=/var/run/dbus/system_bus_socket"
)

// connState tracks the connection lifecycle. Disconnected is terminal:
// a closed connection cannot be reused, a new one must be dialed.
type connState int

const (
	stateConnecting connState = iota
	stateConnected
	stateDisconnected
)

// Dial connects to the bus at the given address string (one or more
// semicolon-separated entries, tried in order), authenticates, and
// performs the initial Hello call that registers this client with the
// bus daemon.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	return dial(ctx, addr, true)
}

// DialPeer connects to a lone peer rather than a bus daemon: transport
// and authentication run as usual, but no Hello call is made and match
// rules are not forwarded with AddMatch.
func DialPeer(ctx context.Context, addr string) (*Conn, error) {
	return dial(ctx, addr, false)
}

// SessionBus returns a process-wide shared connection to the current
// user's session bus, dialing it on first use.
func SessionBus(ctx context.Context) (*Conn, error) {
	sharedBus.Lock()
	defer sharedBus.Unlock()
	if sharedBus.session != nil && sharedBus.session.connected() {
		return sharedBus.session, nil
	}
	addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if addr == "" {
		return nil, errors.New("session bus not available")
	}
	c, err := Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	sharedBus.session = c
	return c, nil
}

// SystemBus returns a process-wide shared connection to the system
// bus, dialing it on first use.
func SystemBus(ctx context.Context) (*Conn, error) {
	sharedBus.Lock()
	defer sharedBus.Unlock()
	if sharedBus.system != nil && sharedBus.system.connected() {
		return sharedBus.system, nil
	}
	addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS")
	if addr == "" {
		addr = defaultSystemBusAddress
	}
	c, err := Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	sharedBus.system = c
	return c, nil
}

var sharedBus struct {
	sync.Mutex
	system  *Conn
	session *Conn
}

func dial(ctx context.Context, addr string, bus bool) (*Conn, error) {
	entries, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil, &CanceledError{Reason: ctx.Err()}
		}
		t, err := dialEntry(ctx, addr, e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		c := newConn(t)
		if bus {
			if err := c.hello(ctx); err != nil {
				c.Close()
				return nil, err
			}
		}
		c.mu.Lock()
		if c.state == stateConnecting {
			c.state = stateConnected
		}
		c.mu.Unlock()
		return c, nil
	}
	return nil, errors.Join(errs...)
}

func dialEntry(ctx context.Context, addr string, e BusAddress) (transport.Transport, error) {
	var (
		t           transport.Transport
		err         error
		negotiateFD bool
	)
	switch e.Transport {
	case "unix":
		if path, ok := e.Options["path"]; ok {
			t, err = transport.DialUnix(ctx, path, false)
		} else if path, ok := e.Options["abstract"]; ok {
			t, err = transport.DialUnix(ctx, path, true)
		} else {
			return nil, &AddressError{Address: addr, Reason: "unix entry needs a path or abstract property"}
		}
		negotiateFD = true
	case "tcp":
		host, port := e.Options["host"], e.Options["port"]
		if host == "" || port == "" {
			return nil, &AddressError{Address: addr, Reason: "tcp entry needs host and port properties"}
		}
		t, err = transport.DialTCP(ctx, host, port)
	default:
		return nil, &AddressError{Address: addr, Reason: fmt.Sprintf("unknown transport %q", e.Transport)}
	}
	if err != nil {
		return nil, err
	}
	if _, err := t.Authenticate(ctx, transport.AuthOptions{GUID: e.GUID, NegotiateUnixFD: negotiateFD}); err != nil {
		t.Close()
		if ctx.Err() != nil {
			return nil, &CanceledError{Reason: ctx.Err()}
		}
		return nil, &AuthError{Reason: err.Error()}
	}
	return t, nil
}

// Conn is a DBus connection.
//
// One mutex (mu) guards the serial counter, the pending call table,
// the observer registry, and the connection state; nothing blocking
// runs while it is held. A single sender goroutine drains the outbound
// queue in FIFO order, and a single receiver goroutine reads and
// dispatches inbound frames in wire order.
type Conn struct {
	t    transport.Transport
	pool bufferPool

	sendMu     sync.Mutex
	sendq      *queue.Queue[*MessageBuffer]
	sendClosed bool
	wakeSend   chan struct{}
	stopSend   chan struct{}
	sendDone   chan struct{}

	mu          sync.Mutex
	state       connState
	closeReason error
	clientID    string
	isBus       bool
	lastSerial  uint32
	calls       map[uint32]*pendingCall
	matches     map[string]*matchEntry
}

// A pendingCall is one outstanding method call awaiting its reply.
// Exactly one of the completion shapes applies: done is closed for a
// caller blocked in Call, and addMatch marks an internal AddMatch whose
// bookkeeping happens during dispatch.
type pendingCall struct {
	done chan struct{}
	msg  *Message
	err  error

	addMatch *matchEntry
}

func newConn(t transport.Transport) *Conn {
	c := &Conn{
		t:        t,
		state:    stateConnecting,
		calls:    map[uint32]*pendingCall{},
		matches:  map[string]*matchEntry{},
		sendq:    queue.New[*MessageBuffer](),
		wakeSend: make(chan struct{}, 1),
		stopSend: make(chan struct{}),
		sendDone: make(chan struct{}),
	}
	go c.sendLoop()
	go c.readLoop()
	return c
}

// hello performs the initial call to the bus daemon that assigns this
// connection its unique name. Its success is what marks the remote as
// a bus rather than a lone peer.
func (c *Conn) hello(ctx context.Context) error {
	reply, err := c.Call(ctx, &Call{
		Destination: busName,
		Path:        busPath,
		Interface:   busIface,
		Member:      "Hello",
	})
	if err != nil {
		return fmt.Errorf("getting DBus client ID: %w", err)
	}
	defer reply.Close()
	if code, ok := reply.Signature.FirstCode(); !ok || code != TypeString {
		return &ProtocolError{Reason: fmt.Sprintf("Hello reply has signature %q, want a string", reply.Signature)}
	}
	id, err := reply.BodyReader().String()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.clientID = id
	c.isBus = true
	c.mu.Unlock()
	return nil
}

// LocalName returns the connection's unique bus name, or "" if the
// remote is not a bus daemon.
func (c *Conn) LocalName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *Conn) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != stateDisconnected
}

// Close tears the connection down: the transport is closed, every
// pending call completes with a DisconnectedError, and every observer
// receives one final terminating notification. Close is idempotent.
func (c *Conn) Close() error {
	c.closeWith(nil)
	return nil
}

// closeWith moves the connection to its terminal state. The first
// caller's reason wins and becomes the disconnect reason reported by
// every subsequently failing operation.
func (c *Conn) closeWith(reason error) {
	c.mu.Lock()
	if c.state == stateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = stateDisconnected
	c.closeReason = reason
	pend := c.calls
	c.calls = nil
	var obs []*Observer
	for _, e := range c.matches {
		for _, o := range e.observers {
			if !o.disposed {
				obs = append(obs, o)
			}
		}
	}
	c.matches = nil
	c.mu.Unlock()

	c.sendMu.Lock()
	c.sendClosed = true
	for {
		b, ok := c.sendq.Pop()
		if !ok {
			break
		}
		c.pool.put(b)
	}
	c.sendMu.Unlock()
	close(c.stopSend)
	c.t.Close()

	err := &DisconnectedError{Reason: reason}
	for _, pc := range pend {
		pc.err = err
		if pc.done != nil {
			close(pc.done)
		}
	}
	for _, o := range obs {
		o.fn(nil, err)
	}
}

// nextSerialLocked allocates the next outbound serial. Serials are
// never zero, and after a wraparound a slot still occupied by a
// pending call is skipped.
func (c *Conn) nextSerialLocked() uint32 {
	for {
		c.lastSerial++
		if c.lastSerial == 0 {
			continue
		}
		if _, busy := c.calls[c.lastSerial]; busy {
			continue
		}
		return c.lastSerial
	}
}

// send assigns hdr a serial, registers pc (if any) in the pending call
// table, finalizes b's header, and queues it for transmission. Serial
// allocation and enqueueing happen under one lock hold, which is what
// keeps serials strictly increasing in transmit order. On failure the
// pending entry is removed and b returns to the pool.
func (c *Conn) send(b *MessageBuffer, hdr *Header, pc *pendingCall) error {
	c.mu.Lock()
	if c.state == stateDisconnected {
		reason := c.closeReason
		c.mu.Unlock()
		c.pool.put(b)
		return &DisconnectedError{Reason: reason}
	}
	hdr.Serial = c.nextSerialLocked()
	if pc != nil && hdr.WantReply() {
		c.calls[hdr.Serial] = pc
		if pc.addMatch != nil {
			pc.addMatch.addSerial = hdr.Serial
		}
	}
	if err := b.finish(hdr); err != nil {
		delete(c.calls, hdr.Serial)
		c.mu.Unlock()
		c.pool.put(b)
		return err
	}
	if !c.trySend(b) {
		delete(c.calls, hdr.Serial)
		reason := c.closeReason
		c.mu.Unlock()
		c.pool.put(b)
		return &DisconnectedError{Reason: reason}
	}
	c.mu.Unlock()
	return nil
}

// trySend queues b for transmission, returning false if the transport
// is closed. On false the caller keeps ownership of b; on true
// ownership passes to the sender.
func (c *Conn) trySend(b *MessageBuffer) bool {
	c.sendMu.Lock()
	if c.sendClosed {
		c.sendMu.Unlock()
		return false
	}
	c.sendq.Add(b)
	c.sendMu.Unlock()
	select {
	case c.wakeSend <- struct{}{}:
	default:
	}
	return true
}

func (c *Conn) sendLoop() {
	defer close(c.sendDone)
	for {
		b := func() *MessageBuffer {
			c.sendMu.Lock()
			defer c.sendMu.Unlock()
			ret, _ := c.sendq.Pop()
			return ret
		}()
		if b == nil {
			select {
			case <-c.stopSend:
				return
			case <-c.wakeSend:
				continue
			}
		}
		// Files ride on the first chunk of the frame.
		_, err := c.t.WriteWithFiles(b.hdr.Out, b.body.Handles)
		if err == nil && len(b.body.Out) > 0 {
			_, err = c.t.Write(b.body.Out)
		}
		c.pool.put(b)
		if err != nil {
			c.closeWith(err)
			return
		}
	}
}

func (c *Conn) readLoop() {
	for {
		msg, err := c.readFrame()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				log.Printf("dbus: read error: %v", err)
			}
			c.closeWith(err)
			return
		}
		if err := msg.Valid(); err != nil {
			log.Printf("dbus: received invalid message: %v", err)
			msg.Close()
			c.closeWith(&ProtocolError{Reason: err.Error()})
			return
		}
		c.dispatch(msg)
	}
}

// readFrame reads one complete message from the transport, sizing the
// read from the 16-byte prologue, and attaches any file descriptors
// that arrived with it.
func (c *Conn) readFrame() (*Message, error) {
	var pro [16]byte
	if _, err := io.ReadFull(c.t, pro[:]); err != nil {
		return nil, err
	}
	total, _, err := frameSize(pro[:])
	if err != nil {
		return nil, err
	}
	buf := make([]byte, total)
	copy(buf, pro[:])
	if _, err := io.ReadFull(c.t, buf[16:]); err != nil {
		return nil, err
	}
	msg, n, err := TryReadMessage(buf)
	if err != nil {
		return nil, err
	}
	if msg == nil || n != total {
		return nil, &ProtocolError{Reason: "inconsistent frame length"}
	}
	if msg.NumFDs > 0 {
		files, err := c.t.GetFiles(int(msg.NumFDs))
		if err != nil {
			return nil, err
		}
		if err := msg.AttachHandles(fragments.NewHandleSet(files)); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// dispatch routes one inbound frame. Under the lock it removes the
// matching pending call (if the frame carries a reply serial) and
// collects the observers whose predicates match; outside the lock it
// emits to the observers first and then completes the pending call, so
// a signal that precedes a reply in wire order is observed first.
func (c *Conn) dispatch(msg *Message) {
	var (
		pc      *pendingCall
		targets []*Observer
	)
	c.mu.Lock()
	if c.state == stateDisconnected {
		c.mu.Unlock()
		msg.Close()
		return
	}
	if msg.ReplySerial != 0 {
		pc = c.calls[msg.ReplySerial]
		delete(c.calls, msg.ReplySerial)
	}
	for _, e := range c.matches {
		if !e.match.Matches(msg) {
			continue
		}
		for _, o := range e.observers {
			if o.disposed {
				continue
			}
			// Subscribing observers only see frames once the
			// server-side AddMatch has been acknowledged.
			if o.subscribes && e.state != entrySubscribed {
				continue
			}
			targets = append(targets, o)
		}
	}
	if pc != nil && pc.addMatch != nil {
		if msg.Type == MsgMethodReturn {
			pc.addMatch.state = entrySubscribed
		} else {
			pc.addMatch.state = entryUnsubscribed
		}
	}
	c.mu.Unlock()

	if pc != nil && pc.addMatch != nil && msg.Type == MsgError {
		log.Printf("dbus: AddMatch(%s) failed: %s", pc.addMatch.rule, msg.ErrName)
	}

	for _, o := range targets {
		c.mu.Lock()
		dead := o.disposed
		c.mu.Unlock()
		if dead {
			continue
		}
		o.fn(msg, nil)
	}

	closeHandles := true
	if pc != nil && pc.done != nil {
		switch msg.Type {
		case MsgMethodReturn:
			pc.msg = msg
			closeHandles = false
		case MsgError:
			pc.err = &CallError{Name: msg.ErrName, Detail: errorDetail(msg)}
		default:
			pc.err = &ProtocolError{Reason: fmt.Sprintf("reply to serial %d has message type %s", msg.ReplySerial, msg.Type)}
		}
		close(pc.done)
	}
	if closeHandles {
		msg.Close()
	}
}

// errorDetail extracts the conventional human-readable first string
// argument of an error reply, if there is one.
func errorDetail(msg *Message) string {
	if code, ok := msg.Signature.FirstCode(); !ok || code != TypeString {
		return ""
	}
	s, err := msg.BodyReader().String()
	if err != nil {
		return ""
	}
	return s
}

// A Call describes one outbound method call.
type Call struct {
	// Destination is the bus name of the peer to call.
	Destination string
	// Path is the target object.
	Path ObjectPath
	// Interface is the interface the method lives on. May be empty,
	// in which case the peer picks any method with the right name.
	Interface string
	// Member is the method name.
	Member string
	// Flags is the message flag bitmap. Setting FlagNoReplyExpected
	// makes Call return as soon as the message is queued, without a
	// pending call entry.
	Flags Flags
	// Signature describes Body's wire encoding. Required iff Body
	// writes anything.
	Signature Signature
	// Body, if non-nil, writes the call's arguments.
	Body func(*fragments.Writer) error
}

// Call sends a method call and, unless FlagNoReplyExpected is set,
// blocks until the matching reply arrives. The returned Message is
// owned by the caller, who must release it with Message.Close. An
// error reply from the peer surfaces as a *CallError; a connection
// torn down mid-call surfaces as a *DisconnectedError.
func (c *Conn) Call(ctx context.Context, call *Call) (*Message, error) {
	b := c.pool.rent()
	if call.Body != nil {
		if err := call.Signature.Validate(); err != nil {
			c.pool.put(b)
			return nil, &TypeError{Signature: string(call.Signature), Reason: err}
		}
		if err := call.Body(b.Body()); err != nil {
			c.pool.put(b)
			return nil, err
		}
	}
	hdr := Header{
		Type:        MsgMethodCall,
		Flags:       call.Flags,
		Path:        call.Path,
		Interface:   call.Interface,
		Member:      call.Member,
		Destination: call.Destination,
	}
	if len(b.Body().Out) > 0 {
		hdr.Signature = call.Signature
	}

	var pc *pendingCall
	if hdr.WantReply() {
		pc = &pendingCall{done: make(chan struct{})}
	}
	if err := c.send(b, &hdr, pc); err != nil {
		return nil, err
	}
	if pc == nil {
		return nil, nil
	}

	select {
	case <-pc.done:
		return pc.msg, pc.err
	case <-ctx.Done():
		c.mu.Lock()
		if c.calls[hdr.Serial] == pc {
			delete(c.calls, hdr.Serial)
		}
		c.mu.Unlock()
		// The reply may have raced the cancellation; release it.
		select {
		case <-pc.done:
			pc.msg.Close()
		default:
		}
		return nil, &CanceledError{Reason: ctx.Err()}
	}
}

// Emit broadcasts a signal from path.
func (c *Conn) Emit(path ObjectPath, iface, member string, sig Signature, body func(*fragments.Writer) error) error {
	b := c.pool.rent()
	if body != nil {
		if err := sig.Validate(); err != nil {
			c.pool.put(b)
			return &TypeError{Signature: string(sig), Reason: err}
		}
		if err := body(b.Body()); err != nil {
			c.pool.put(b)
			return err
		}
	}
	hdr := Header{
		Type:      MsgSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
	}
	if len(b.Body().Out) > 0 {
		hdr.Signature = sig
	}
	return c.send(b, &hdr, nil)
}

// Reply sends a method return answering call.
func (c *Conn) Reply(call *Message, sig Signature, body func(*fragments.Writer) error) error {
	if call.Type != MsgMethodCall {
		return &ProtocolError{Reason: fmt.Sprintf("replying to a %s message", call.Type)}
	}
	b := c.pool.rent()
	if body != nil {
		if err := sig.Validate(); err != nil {
			c.pool.put(b)
			return &TypeError{Signature: string(sig), Reason: err}
		}
		if err := body(b.Body()); err != nil {
			c.pool.put(b)
			return err
		}
	}
	hdr := Header{
		Type:        MsgMethodReturn,
		ReplySerial: call.Serial,
		Destination: call.Sender,
	}
	if len(b.Body().Out) > 0 {
		hdr.Signature = sig
	}
	return c.send(b, &hdr, nil)
}

// ReplyError answers call with a DBus error. message, if non-empty,
// becomes the conventional human-readable first argument.
func (c *Conn) ReplyError(call *Message, name, message string) error {
	if call.Type != MsgMethodCall {
		return &ProtocolError{Reason: fmt.Sprintf("replying to a %s message", call.Type)}
	}
	b := c.pool.rent()
	hdr := Header{
		Type:        MsgError,
		ErrName:     name,
		ReplySerial: call.Serial,
		Destination: call.Sender,
	}
	if message != "" {
		b.Body().String(message)
		hdr.Signature = "s"
	}
	return c.send(b, &hdr, nil)
}

// Observer subscription state for one rule string.
type entryState int

const (
	entryUnsubscribed entryState = iota
	entryPending
	entrySubscribed
)

// A matchEntry is the registry's record for one rule string: the
// compiled match, the observers attached to it in registration order,
// and the state of the server-side subscription that all subscribing
// observers share.
type matchEntry struct {
	rule      string
	match     *Match
	observers []*Observer
	state     entryState
	addSerial uint32
}

// A MessageHandler receives messages matched by an observer. A nil
// message with a non-nil error is the single terminating notification
// delivered when the connection closes.
//
// Handlers run on the connection's receive goroutine and borrow msg
// only for the duration of the call: they must not block, and must
// copy anything they retain. A handler may queue new outbound messages
// (Emit, Reply, or a Call with FlagNoReplyExpected); blocking calls
// must be handed off to another goroutine.
type MessageHandler func(msg *Message, err error)

// An Observer is a subscription handle tying a match rule to a
// handler. It is shared between the connection's registry and the
// caller; Close detaches it from both.
type Observer struct {
	c          *Conn
	entry      *matchEntry
	fn         MessageHandler
	subscribes bool
	disposed   bool // guarded by c.mu
}

// Watch registers fn for messages matching m, and subscribes the rule
// server-side. Observers on the same rule string share a single
// AddMatch subscription: the first one sends it, the rest attach to
// it. fn starts receiving once the bus has acknowledged the
// subscription.
func (c *Conn) Watch(m *Match, fn MessageHandler) (*Observer, error) {
	return c.addObserver(m, fn, true)
}

// Observe registers fn for matching messages without subscribing
// server-side. Use it for messages that reach this connection anyway:
// unicast signals, method calls addressed to it, or monitoring of an
// already-subscribed rule.
func (c *Conn) Observe(m *Match, fn MessageHandler) (*Observer, error) {
	return c.addObserver(m, fn, false)
}

func (c *Conn) addObserver(m *Match, fn MessageHandler, subscribe bool) (*Observer, error) {
	rule := m.String()
	c.mu.Lock()
	if c.state == stateDisconnected {
		reason := c.closeReason
		c.mu.Unlock()
		return nil, &DisconnectedError{Reason: reason}
	}
	e := c.matches[rule]
	if e == nil {
		e = &matchEntry{rule: rule, match: m}
		c.matches[rule] = e
	}
	o := &Observer{c: c, entry: e, fn: fn, subscribes: subscribe}
	e.observers = append(e.observers, o)
	needAdd := false
	if subscribe {
		if !c.isBus {
			// A lone peer routes us everything already; there is no
			// bus to subscribe with.
			if e.state == entryUnsubscribed {
				e.state = entrySubscribed
			}
		} else if e.state == entryUnsubscribed {
			e.state = entryPending
			needAdd = true
		}
	}
	c.mu.Unlock()

	if needAdd {
		if err := c.sendAddMatch(e); err != nil {
			o.Close()
			return nil, err
		}
	}
	return o, nil
}

func (c *Conn) sendAddMatch(e *matchEntry) error {
	b := c.pool.rent()
	b.Body().String(e.rule)
	hdr := Header{
		Type:        MsgMethodCall,
		Destination: busName,
		Path:        busPath,
		Interface:   busIface,
		Member:      "AddMatch",
		Signature:   "s",
	}
	return c.send(b, &hdr, &pendingCall{addMatch: e})
}

func (c *Conn) sendRemoveMatch(rule string) {
	b := c.pool.rent()
	b.Body().String(rule)
	hdr := Header{
		Type:        MsgMethodCall,
		Flags:       FlagNoReplyExpected,
		Destination: busName,
		Path:        busPath,
		Interface:   busIface,
		Member:      "RemoveMatch",
		Signature:   "s",
	}
	// Best effort: a failure here means the connection is going away
	// and the subscription with it.
	c.send(b, &hdr, nil)
}

// Close detaches the observer. Close is idempotent; when the last
// subscribing observer of a rule closes, the rule is dropped
// server-side with a best-effort RemoveMatch.
func (o *Observer) Close() error {
	c := o.c
	c.mu.Lock()
	if o.disposed || c.matches == nil {
		o.disposed = true
		c.mu.Unlock()
		return nil
	}
	o.disposed = true
	e := o.entry
	e.observers = slices.DeleteFunc(e.observers, func(x *Observer) bool { return x == o })
	subsLeft := false
	for _, x := range e.observers {
		if x.subscribes {
			subsLeft = true
			break
		}
	}
	needRemove := o.subscribes && !subsLeft && e.state != entryUnsubscribed && c.isBus
	if !subsLeft {
		e.state = entryUnsubscribed
	}
	if len(e.observers) == 0 {
		delete(c.matches, e.rule)
	}
	c.mu.Unlock()

	if needRemove {
		c.sendRemoveMatch(e.rule)
	}
	return nil
}
