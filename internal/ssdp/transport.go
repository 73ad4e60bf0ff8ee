package ssdp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"go2tv.app/mini-dlna/internal/netutil"
)

// Transport is the engine's view of the SSDP socket.
type Transport interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	SetReadDeadline(t time.Time) error
	// Multicast sends b to the SSDP group on every joined interface.
	Multicast(b []byte) error
	Unicast(b []byte, dst net.Addr) error
	Close() error
}

var groupAddr = &net.UDPAddr{IP: net.IPv4(239, 255, 255, 250), Port: 1900}

var listen = listenMulticast

type multicastTransport struct {
	pc     *ipv4.PacketConn
	ifaces []net.Interface

	// SetMulticastInterface and WriteTo must not interleave between senders.
	mu sync.Mutex
}

// listenMulticast binds 0.0.0.0:1900 and joins the SSDP group on every usable
// interface. Individual join failures are logged; none succeeding is an error.
func listenMulticast(names []string, logger *slog.Logger) (Transport, error) {
	ifaces, err := netutil.MulticastInterfaces(names)
	if err != nil {
		return nil, err
	}
	if len(ifaces) == 0 {
		return nil, errors.New("no multicast capable interface")
	}

	conn, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", groupAddr.Port))
	if err != nil {
		return nil, fmt.Errorf("bind ssdp port: %w", err)
	}
	pc := ipv4.NewPacketConn(conn)

	joined := make([]net.Interface, 0, len(ifaces))
	for i := range ifaces {
		ifi := ifaces[i]
		if err := pc.JoinGroup(&ifi, groupAddr); err != nil {
			logger.Warn("ssdp_join_failed", slog.String("interface", ifi.Name), slog.String("error", err.Error()))
			continue
		}
		joined = append(joined, ifi)
		logger.Debug("ssdp_joined", slog.String("interface", ifi.Name))
	}
	if len(joined) == 0 {
		_ = pc.Close()
		return nil, errors.New("could not join the ssdp group on any interface")
	}

	_ = pc.SetMulticastTTL(2)
	_ = pc.SetMulticastLoopback(true)
	return &multicastTransport{pc: pc, ifaces: joined}, nil
}

func (t *multicastTransport) ReadFrom(b []byte) (int, net.Addr, error) {
	n, _, src, err := t.pc.ReadFrom(b)
	return n, src, err
}

func (t *multicastTransport) SetReadDeadline(deadline time.Time) error {
	return t.pc.SetReadDeadline(deadline)
}

func (t *multicastTransport) Multicast(b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for i := range t.ifaces {
		if err := t.pc.SetMulticastInterface(&t.ifaces[i]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.ifaces[i].Name, err))
			continue
		}
		if _, err := t.pc.WriteTo(b, nil, groupAddr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.ifaces[i].Name, err))
		}
	}
	if len(errs) == len(t.ifaces) {
		return errors.Join(errs...)
	}
	return nil
}

func (t *multicastTransport) Unicast(b []byte, dst net.Addr) error {
	_, err := t.pc.WriteTo(b, nil, dst)
	return err
}

func (t *multicastTransport) Close() error {
	return t.pc.Close()
}
