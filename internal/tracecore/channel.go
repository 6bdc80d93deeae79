package tracecore

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/net/icmp"
)

// Datagram is one raw packet handed up by Receive: its bytes, the source
// address, and whether it was captured on the ICMP socket rather than the
// probe protocol's own. TimeExceeded/Unreachable errors for UDP and TCP
// probes arrive on the ICMP socket; only direct TCP replies arrive on the
// TCP socket itself.
type Datagram struct {
	Bytes  []byte
	Source net.IP
	ICMP   bool
}

// Channel is a thin, family-and-protocol-specific send/receive pair over
// raw sockets. It interprets nothing about the bytes it moves; encoding
// and decoding are the codec's job.
//
// Every channel owns an ICMP socket for the receive path, since routers
// report expired probes of any protocol via ICMP. UDP and TCP channels
// additionally own a raw socket of their own protocol: UDP for the send
// path only, TCP for sending SYNs and receiving SYN/ACK and RST segments.
type Channel struct {
	protocol Protocol
	family   Family

	icmpConn *icmp.PacketConn
	rawConn  net.PacketConn

	recvQueue chan Datagram
	closed    chan struct{}
	closeOnce sync.Once
}

// NewChannel acquires the raw sockets for protocol over family. Acquisition
// requires an elevated OS capability (CAP_NET_RAW or equivalent); failure,
// including permission denied, surfaces as ErrChannelCreation.
func NewChannel(family Family, protocol Protocol) (*Channel, error) {
	c := &Channel{
		protocol:  protocol,
		family:    family,
		recvQueue: make(chan Datagram, 64),
		closed:    make(chan struct{}),
	}

	icmpNetwork, icmpAddress := "ip4:icmp", "0.0.0.0"
	if family == FamilyIPv6 {
		icmpNetwork, icmpAddress = "ip6:ipv6-icmp", "::"
	}
	icmpConn, err := icmp.ListenPacket(icmpNetwork, icmpAddress)
	if err != nil {
		return nil, wrapChannelErr(err)
	}
	c.icmpConn = icmpConn

	switch protocol {
	case ProtocolICMP:
		// The ICMP socket is both the send and receive path.

	case ProtocolUDP:
		network, address := "ip4:udp", "0.0.0.0"
		if family == FamilyIPv6 {
			network, address = "ip6:udp", "::"
		}
		conn, err := net.ListenPacket(network, address)
		if err != nil {
			icmpConn.Close()
			return nil, wrapChannelErr(err)
		}
		if family == FamilyIPv4 {
			// The codec builds the full IPv4 header so it can control the
			// Identification field; the kernel must send it verbatim.
			if err := enableHdrIncl(conn); err != nil {
				conn.Close()
				icmpConn.Close()
				return nil, wrapChannelErr(err)
			}
		}
		c.rawConn = conn

	case ProtocolTCP:
		network, address := "ip4:tcp", "0.0.0.0"
		if family == FamilyIPv6 {
			network, address = "ip6:tcp", "::"
		}
		conn, err := net.ListenPacket(network, address)
		if err != nil {
			icmpConn.Close()
			return nil, wrapChannelErr(err)
		}
		c.rawConn = conn

	default:
		icmpConn.Close()
		return nil, fmt.Errorf("%w: unknown protocol %v", ErrChannelCreation, protocol)
	}

	go c.readLoop(c.icmpConn, true)
	if protocol == ProtocolTCP {
		go c.readLoop(c.rawConn, false)
	}
	return c, nil
}

func wrapChannelErr(err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %w (requires CAP_NET_RAW or equivalent): %v", ErrChannelCreation, ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrChannelCreation, err)
}

// enableHdrIncl flips IP_HDRINCL on the socket backing conn so the kernel
// sends the IPv4 header this package built verbatim.
func enableHdrIncl(conn net.PacketConn) error {
	ipConn, ok := conn.(*net.IPConn)
	if !ok {
		return fmt.Errorf("unsupported connection type %T", conn)
	}
	rawConn, err := ipConn.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	if err := rawConn.Control(func(fd uintptr) {
		setErr = setIPHdrIncl(fd)
	}); err != nil {
		return err
	}
	return setErr
}

// packetReader is the read half shared by *icmp.PacketConn and the raw
// net.PacketConn.
type packetReader interface {
	ReadFrom(b []byte) (int, net.Addr, error)
}

// readLoop drains one socket into the shared receive queue until the
// channel is closed. Raw IPv4 reads in Go arrive with the IP header
// already stripped, so the bytes pushed here start at the ICMP or TCP
// header.
func (c *Channel) readLoop(r packetReader, fromICMP bool) {
	buf := make([]byte, MaxPacketSize+256)
	for {
		n, peer, err := r.ReadFrom(buf)
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case c.recvQueue <- Datagram{Bytes: data, Source: extractIP(peer), ICMP: fromICMP}:
		case <-c.closed:
			return
		}
	}
}

// Send transmits probeBytes to target. The per-packet TTL is applied via a
// socket option immediately before the write, except on the IPv4 UDP
// channel where the TTL is already baked into the IP header the codec
// built, so ttl is accepted for interface symmetry but unused there.
func (c *Channel) Send(probeBytes []byte, target net.IP, ttl TimeToLive) error {
	addr := &net.IPAddr{IP: target}

	switch c.protocol {
	case ProtocolICMP:
		if err := c.setTTL(ttl); err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		if _, err := c.icmpConn.WriteTo(probeBytes, addr); err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return nil

	case ProtocolUDP:
		if c.family == FamilyIPv6 {
			if err := c.setTTL(ttl); err != nil {
				return fmt.Errorf("%w: %v", ErrTransport, err)
			}
		}
		if _, err := c.rawConn.WriteTo(probeBytes, addr); err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return nil

	case ProtocolTCP:
		if err := c.setTTL(ttl); err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		if _, err := c.rawConn.WriteTo(probeBytes, addr); err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return nil
	}

	return fmt.Errorf("%w: unknown protocol %v", ErrTransport, c.protocol)
}

func (c *Channel) setTTL(ttl TimeToLive) error {
	if !ValidTTL(ttl) {
		return ErrInvalidTTL
	}

	if c.protocol == ProtocolICMP {
		if c.family == FamilyIPv6 {
			return c.icmpConn.IPv6PacketConn().SetHopLimit(int(ttl))
		}
		return c.icmpConn.IPv4PacketConn().SetTTL(int(ttl))
	}

	ipConn, ok := c.rawConn.(*net.IPConn)
	if !ok {
		return fmt.Errorf("unsupported connection type %T", c.rawConn)
	}
	rawConn, err := ipConn.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	if err := rawConn.Control(func(fd uintptr) {
		if c.family == FamilyIPv6 {
			setErr = setIPv6HopLimit(fd, int(ttl))
		} else {
			setErr = setIPv4TTL(fd, int(ttl))
		}
	}); err != nil {
		return err
	}
	return setErr
}

// Receive blocks at most timeout waiting for a packet from either of the
// channel's sockets. ok is false (with a nil error) on timeout; the
// channel performs no interpretation of the bytes it returns.
func (c *Channel) Receive(timeout time.Duration) (Datagram, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-c.recvQueue:
		return d, true, nil
	case <-timer.C:
		return Datagram{}, false, nil
	case <-c.closed:
		return Datagram{}, false, ErrSocketClosed
	}
}

// Close releases the underlying sockets and stops the reader goroutines.
// Safe to call more than once; a closed channel's Send returns ErrTransport
// and its Receive returns ErrSocketClosed.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.icmpConn != nil {
			err = c.icmpConn.Close()
		}
		if c.rawConn != nil {
			if e := c.rawConn.Close(); err == nil {
				err = e
			}
		}
	})
	return err
}

func extractIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.IPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	default:
		return nil
	}
}
