// Package grpclink is the gRPC peer transport. A host listens for guests on
// one bidirectional stream per guest and attaches its own guest loop
// in-process; a guest holds a single stream to its host.
package grpclink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/lobbysync/internal/config"
	"github.com/cory-johannsen/lobbysync/internal/lobby"
	"github.com/cory-johannsen/lobbysync/internal/netscene"
	"github.com/cory-johannsen/lobbysync/internal/notify"
)

// LocalConn is the connection id of the host's own guest loop.
const LocalConn lobby.ConnID = "local"

var (
	// ErrNotConnected is returned when reporting without a host link.
	ErrNotConnected = errors.New("not connected to a host")
	// ErrAlreadyConnected is returned when hosting or joining twice.
	ErrAlreadyConnected = errors.New("link already connected")
)

// Link is one participant's transport. It serves as lobby.Transport for the
// state machine, netscene.Network for the host coordinator and
// netscene.Upstream for the local receiver.
type Link struct {
	cfg    config.TransportConfig
	logger *zap.Logger

	events     *notify.Topic[lobby.ConnEvent]
	inbound    *notify.Topic[netscene.Inbound]
	downstream *notify.Topic[netscene.Command]

	mu sync.Mutex
	// host mode
	server    *grpc.Server
	serveDone chan struct{}
	hostAddr  string
	peers     map[lobby.ConnID]*peer
	order     []lobby.ConnID
	local     bool
	started   chan struct{}
	// guest mode
	guest *guestConn
}

// New creates a disconnected Link.
//
// Precondition: logger must be non-nil.
func New(cfg config.TransportConfig, logger *zap.Logger) *Link {
	return &Link{
		cfg:        cfg,
		logger:     logger,
		events:     notify.NewTopic[lobby.ConnEvent]("link.events"),
		inbound:    notify.NewTopic[netscene.Inbound]("link.inbound"),
		downstream: notify.NewTopic[netscene.Command]("link.downstream"),
		started:    make(chan struct{}),
	}
}

func (l *Link) Events() *notify.Topic[lobby.ConnEvent]      { return l.events }
func (l *Link) Inbound() *notify.Topic[netscene.Inbound]    { return l.inbound }
func (l *Link) Downstream() *notify.Topic[netscene.Command] { return l.downstream }

// HostStarted returns a channel closed once the listener is up and the
// local guest loop is attached.
func (l *Link) HostStarted() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

// ConnectionSet returns the connected peers in connection order.
func (l *Link) ConnectionSet() []lobby.ConnID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]lobby.ConnID(nil), l.order...)
}

// ConnectAsHost starts the listener and returns the address guests dial.
//
// Postcondition: Returns the advertised "host:port", or an error if the link
// is already connected or the listener could not start.
func (l *Link) ConnectAsHost(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.server != nil || l.guest != nil {
		return "", ErrAlreadyConnected
	}

	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", l.cfg.Addr())
	if err != nil {
		return "", fmt.Errorf("listening on %s: %w", l.cfg.Addr(), err)
	}
	srv := grpc.NewServer()
	RegisterSceneLinkServer(srv, &hostService{link: l})

	done := make(chan struct{})
	l.server, l.serveDone = srv, done
	l.peers = make(map[lobby.ConnID]*peer)
	l.order = nil
	l.hostAddr = l.advertise(lis.Addr())

	go func() {
		defer close(done)
		if err := srv.Serve(lis); err != nil {
			l.logger.Error("scene link server stopped", zap.Error(err))
		}
	}()
	l.logger.Info("scene link listening",
		zap.String("listen_addr", lis.Addr().String()),
		zap.String("address", l.hostAddr),
	)
	return l.hostAddr, nil
}

func (l *Link) advertise(a net.Addr) string {
	host := l.cfg.AdvertiseHost
	if host == "" {
		host = l.cfg.Host
	}
	port := l.cfg.Port
	if tcp, ok := a.(*net.TCPAddr); ok {
		port = tcp.Port
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ConnectAsGuest connects to the host at address. When address is this
// link's own hosted address the local guest loop is attached instead, and
// attaching it twice is a no-op.
//
// Postcondition: On nil the link is in the host's connection set.
func (l *Link) ConnectAsGuest(ctx context.Context, address string) error {
	l.mu.Lock()
	if l.server != nil && address == l.hostAddr {
		if l.local {
			l.mu.Unlock()
			return nil
		}
		l.local = true
		l.order = append(l.order, LocalConn)
		close(l.started)
		l.mu.Unlock()
		l.logger.Info("local guest loop attached", zap.String("address", address))
		l.publishEvent(lobby.ConnConnected, LocalConn)
		return nil
	}
	if l.server != nil || l.guest != nil {
		l.mu.Unlock()
		return ErrAlreadyConnected
	}
	l.mu.Unlock()

	g, err := l.dial(ctx, address)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.server != nil || l.guest != nil {
		l.mu.Unlock()
		g.close()
		return ErrAlreadyConnected
	}
	l.guest = g
	l.mu.Unlock()

	l.logger.Info("connected to host", zap.String("address", address), zap.String("conn", string(g.conn)))
	go l.receive(g)
	return nil
}

// dial opens the link stream and waits for the host's welcome, bounded by
// the dial timeout. The stream itself outlives ctx.
func (l *Link) dial(ctx context.Context, address string) (*guestConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.DialTimeout)
	defer cancel()

	cc, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dialing host %s: %w", address, err)
	}
	streamCtx, streamCancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(dialCtx, streamCancel)
	fail := func(err error) (*guestConn, error) {
		stop()
		streamCancel()
		_ = cc.Close()
		return nil, err
	}

	stream, err := OpenLink(streamCtx, cc)
	if err != nil {
		return fail(fmt.Errorf("opening link to %s: %w", address, err))
	}
	first, err := stream.Recv()
	if err != nil {
		return fail(fmt.Errorf("awaiting welcome from %s: %w", address, err))
	}
	conn, err := decodeWelcome(first)
	if err != nil {
		return fail(err)
	}
	if !stop() {
		return fail(fmt.Errorf("awaiting welcome from %s: %w", address, dialCtx.Err()))
	}
	return &guestConn{
		addr:   address,
		conn:   conn,
		cc:     cc,
		stream: stream,
		ctx:    streamCtx,
		cancel: streamCancel,
		done:   make(chan struct{}),
	}, nil
}

// receive publishes host commands until the stream ends. An end not caused
// by Disconnect is reported as ConnHostLost.
func (l *Link) receive(g *guestConn) {
	defer close(g.done)
	for {
		env, err := g.stream.Recv()
		if err != nil {
			if g.ctx.Err() != nil {
				return
			}
			l.mu.Lock()
			current := l.guest == g
			if current {
				l.guest = nil
			}
			l.mu.Unlock()
			if current {
				l.logger.Warn("host link lost", zap.String("address", g.addr), zap.Error(err))
				g.close()
				l.publishEvent(lobby.ConnHostLost, g.conn)
			}
			return
		}
		cmd, err := decodeCommand(env)
		if err != nil {
			l.logger.Warn("dropping host message", zap.Error(err))
			continue
		}
		if err := l.downstream.Publish(cmd); err != nil {
			l.logger.Warn("dropped scene command", zap.String("op_id", cmd.OpID), zap.Error(err))
		}
	}
}

// Disconnect stops the listener, drops every peer, and closes any host link.
func (l *Link) Disconnect() {
	l.mu.Lock()
	srv, serveDone, g := l.server, l.serveDone, l.guest
	peers, order := l.peers, l.order
	if l.local {
		l.started = make(chan struct{})
	}
	l.server, l.serveDone, l.guest = nil, nil, nil
	l.peers, l.order, l.local, l.hostAddr = nil, nil, false, ""
	l.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
	for _, id := range order {
		l.publishEvent(lobby.ConnDisconnected, id)
	}
	if srv != nil {
		srv.Stop()
		<-serveDone
		l.logger.Info("scene link stopped", zap.Int("peers", len(order)))
	}
	if g != nil {
		g.close()
		<-g.done
		l.logger.Info("disconnected from host", zap.String("address", g.addr))
	}
}

// Close disconnects and closes every topic.
func (l *Link) Close() {
	l.Disconnect()
	l.events.Close()
	l.inbound.Close()
	l.downstream.Close()
}

// Send queues cmd for conn.
//
// Postcondition: Returns an error wrapping lobby.ErrPeerDisconnected when
// conn is not connected or cannot accept more commands.
func (l *Link) Send(conn lobby.ConnID, cmd netscene.Command) error {
	l.mu.Lock()
	local := conn == LocalConn && l.local
	p, ok := l.peers[conn]
	l.mu.Unlock()

	if local {
		if err := l.downstream.Publish(cmd); err != nil {
			return fmt.Errorf("connection %s: %w: %w", conn, lobby.ErrPeerDisconnected, err)
		}
		return nil
	}
	if !ok {
		return fmt.Errorf("connection %s: %w", conn, lobby.ErrPeerDisconnected)
	}
	return p.push(encodeCommand(cmd))
}

// Report sends r to the host: in-process on the host itself, over the link
// stream on a guest.
func (l *Link) Report(r netscene.Report) error {
	l.mu.Lock()
	local, g := l.local, l.guest
	l.mu.Unlock()

	switch {
	case local:
		return l.inbound.Publish(netscene.Inbound{Conn: LocalConn, Report: r})
	case g != nil:
		return g.send(encodeReport(r))
	default:
		return ErrNotConnected
	}
}

func (l *Link) publishEvent(kind lobby.ConnEventKind, conn lobby.ConnID) {
	if err := l.events.Publish(lobby.ConnEvent{Kind: kind, Conn: conn}); err != nil {
		l.logger.Warn("dropped connection event",
			zap.Stringer("kind", kind),
			zap.String("conn", string(conn)),
			zap.Error(err),
		)
	}
}

// addPeer registers p while hosting.
func (l *Link) addPeer(p *peer) bool {
	l.mu.Lock()
	if l.server == nil {
		l.mu.Unlock()
		return false
	}
	l.peers[p.id] = p
	l.order = append(l.order, p.id)
	l.mu.Unlock()
	l.publishEvent(lobby.ConnConnected, p.id)
	return true
}

// dropPeer removes id if it is still registered.
func (l *Link) dropPeer(id lobby.ConnID) {
	l.mu.Lock()
	p, ok := l.peers[id]
	if ok {
		delete(l.peers, id)
		for i, c := range l.order {
			if c == id {
				l.order = append(l.order[:i], l.order[i+1:]...)
				break
			}
		}
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	p.close()
	l.publishEvent(lobby.ConnDisconnected, id)
}

// guestConn is a guest's stream to its host.
type guestConn struct {
	addr   string
	conn   lobby.ConnID
	cc     *grpc.ClientConn
	stream LinkClient
	ctx    context.Context
	cancel context.CancelFunc
	sendMu sync.Mutex
	done   chan struct{}
}

func (g *guestConn) send(env *structpb.Struct) error {
	g.sendMu.Lock()
	defer g.sendMu.Unlock()
	if err := g.stream.Send(env); err != nil {
		return fmt.Errorf("reporting to host %s: %w", g.addr, err)
	}
	return nil
}

func (g *guestConn) close() {
	g.cancel()
	_ = g.cc.Close()
}

// hostService serves the link stream for each guest.
type hostService struct {
	link *Link
}

// Link registers the guest, welcomes it with its connection id, then
// forwards queued commands and publishes its reports until the stream ends.
func (h *hostService) Link(stream LinkStream) error {
	l := h.link
	p := newPeer(lobby.ConnID(uuid.NewString()), l.cfg.SendBuffer)
	if !l.addPeer(p) {
		return status.Error(codes.Unavailable, "host is not accepting guests")
	}
	defer l.dropPeer(p.id)

	if err := stream.Send(encodeWelcome(p.id)); err != nil {
		return fmt.Errorf("sending welcome: %w", err)
	}
	l.logger.Info("guest connected", zap.String("conn", string(p.id)))

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.forward(ctx, p, stream)
	}()

	err := l.receiveReports(p.id, stream)

	cancel()
	wg.Wait()

	if err != nil && !errors.Is(err, io.EOF) {
		l.logger.Debug("guest stream ended", zap.String("conn", string(p.id)), zap.Error(err))
	}
	return nil
}

// forward drains p's queue onto the stream.
func (l *Link) forward(ctx context.Context, p *peer, stream LinkStream) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-p.outbound():
			if !ok {
				return
			}
			if err := stream.Send(env); err != nil {
				l.logger.Debug("sending to guest", zap.String("conn", string(p.id)), zap.Error(err))
				return
			}
		}
	}
}

// receiveReports publishes the guest's reports until the stream ends.
func (l *Link) receiveReports(id lobby.ConnID, stream LinkStream) error {
	for {
		env, err := stream.Recv()
		if err != nil {
			return err
		}
		rep, err := decodeReport(env)
		if err != nil {
			l.logger.Warn("dropping guest message", zap.String("conn", string(id)), zap.Error(err))
			continue
		}
		if err := l.inbound.Publish(netscene.Inbound{Conn: id, Report: rep}); err != nil {
			l.logger.Warn("dropped scene report", zap.String("conn", string(id)), zap.Error(err))
		}
	}
}

var (
	_ lobby.Transport   = (*Link)(nil)
	_ netscene.Network  = (*Link)(nil)
	_ netscene.Upstream = (*Link)(nil)
)
