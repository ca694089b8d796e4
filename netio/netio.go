// Package netio implements the socket/channel-endpoint plumbing: UDP
// sockets configured for SO_REUSEPORT (multiple driver processes on
// one host sharing a receive port) and multicast group membership,
// owned exclusively by one agent apiece (§3: "An endpoint exclusively
// owns its DatagramChannel"). Grounded on the teacher's
// `transport.Client` interface abstraction (one concrete type wrapping
// the raw connection, everything else coded against the interface).
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package netio

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Status mirrors a channel endpoint's health (§7: "tag endpoint status
// ERRORED, notify clients via ON_ERROR, close the endpoint").
type Status int32

const (
	StatusInitializing Status = iota
	StatusActive
	StatusErrored
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "INITIALIZING"
	case StatusActive:
		return "ACTIVE"
	case StatusErrored:
		return "ERRORED"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Endpoint is the minimal interface every agent needs from a bound UDP
// socket: send/receive and lifecycle, hiding the raw fd/syscall layer.
type Endpoint interface {
	Send(buf []byte, dst *net.UDPAddr) (n int, err error)
	ReceiveBatch(bufs [][]byte) ([]Packet, error)
	LocalAddr() *net.UDPAddr
	Status() Status
	Close() error
}

// Packet is one datagram read off an Endpoint, with its source
// address; TransportIndex is the index, in the bufs slice passed to
// ReceiveBatch, of the buffer holding the datagram's bytes.
type Packet struct {
	From           *net.UDPAddr
	N              int
	TransportIndex int32
}

// channelEndpoint is the concrete Endpoint, a thin wrapper over a
// *net.UDPConn plus its raw fd for the socket options the standard
// library does not expose (SO_REUSEPORT, multicast membership).
type channelEndpoint struct {
	conn   *net.UDPConn
	local  *net.UDPAddr
	status Status
}

// Config describes how to bind one endpoint (§4: channel URI surface
// fields endpoint/interface/ttl/group).
type Config struct {
	BindAddr      *net.UDPAddr
	MulticastAddr *net.UDPAddr // non-nil if this endpoint joins a multicast group
	Interface     *net.Interface
	MulticastTTL  int // 0 leaves the OS default
	ReusePort     bool
}

// Bind opens and configures one UDP socket per Config (§5 "Each
// DatagramChannel is owned by exactly one agent").
func Bind(cfg Config) (Endpoint, error) {
	fd, err := unix.Socket(addrFamily(cfg.BindAddr), unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("netio: socket: %w", err)
	}

	if cfg.ReusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("netio: SO_REUSEPORT: %w", err)
		}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netio: SO_REUSEADDR: %w", err)
	}

	sa, err := toSockaddr(cfg.BindAddr)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netio: bind %s: %w", cfg.BindAddr, err)
	}

	if cfg.MulticastAddr != nil {
		if err := joinMulticast(fd, cfg.MulticastAddr, cfg.Interface); err != nil {
			unix.Close(fd)
			return nil, err
		}
		if cfg.MulticastTTL > 0 {
			if err := setMulticastTTL(fd, cfg.MulticastAddr, cfg.MulticastTTL); err != nil {
				unix.Close(fd)
				return nil, err
			}
		}
	}

	f := fdToFile(fd, "mdriver-endpoint")
	conn, err := net.FilePacketConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("netio: FilePacketConn: %w", err)
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("netio: expected *net.UDPConn, got %T", conn)
	}

	local := udpConn.LocalAddr().(*net.UDPAddr)
	return &channelEndpoint{conn: udpConn, local: local, status: StatusActive}, nil
}

func addrFamily(addr *net.UDPAddr) int {
	if addr.IP.To4() == nil {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

func toSockaddr(addr *net.UDPAddr) (unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = addr.Port
		copy(sa.Addr[:], ip4)
		return &sa, nil
	}
	ip16 := addr.IP.To16()
	if ip16 == nil {
		return nil, fmt.Errorf("netio: invalid address %s", addr)
	}
	var sa unix.SockaddrInet6
	sa.Port = addr.Port
	copy(sa.Addr[:], ip16)
	return &sa, nil
}

// joinMulticast issues IP_ADD_MEMBERSHIP (v4) or IPV6_JOIN_GROUP (v6)
// per §2/§4's multicast requirement.
func joinMulticast(fd int, group *net.UDPAddr, iface *net.Interface) error {
	if ip4 := group.IP.To4(); ip4 != nil {
		mreq := &unix.IPMreq{}
		copy(mreq.Multiaddr[:], ip4)
		if iface != nil {
			if addrs, err := iface.Addrs(); err == nil {
				for _, a := range addrs {
					if ipNet, ok := a.(*net.IPNet); ok {
						if v4 := ipNet.IP.To4(); v4 != nil {
							copy(mreq.Interface[:], v4)
							break
						}
					}
				}
			}
		}
		return unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq)
	}
	ip6 := group.IP.To16()
	if ip6 == nil {
		return fmt.Errorf("netio: invalid multicast address %s", group)
	}
	mreq := &unix.IPv6Mreq{}
	copy(mreq.Multiaddr[:], ip6)
	if iface != nil {
		mreq.Interface = uint32(iface.Index)
	}
	return unix.SetsockoptIPv6Mreq(fd, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq)
}

func setMulticastTTL(fd int, group *net.UDPAddr, ttl int) error {
	if group.IP.To4() != nil {
		return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, ttl)
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_HOPS, ttl)
}

func (e *channelEndpoint) Send(buf []byte, dst *net.UDPAddr) (int, error) {
	n, err := e.conn.WriteToUDP(buf, dst)
	if err != nil {
		if isPortUnreachable(err) {
			return n, err // transient I/O (§7): caller counts and does not escalate
		}
		e.status = StatusErrored
		return n, err
	}
	return n, nil
}

// ReceiveBatch reads into each provided buffer in turn — a batched
// read loop standing in for `recvmmsg`, which the standard library
// does not expose; a real deployment would issue one unix.Recvmmsg
// syscall per cycle instead of len(bufs) separate reads.
func (e *channelEndpoint) ReceiveBatch(bufs [][]byte) ([]Packet, error) {
	e.conn.SetReadDeadline(deadlineNow())
	var out []Packet
	for i, buf := range bufs {
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				break
			}
			return out, err
		}
		out = append(out, Packet{From: from, N: n, TransportIndex: int32(i)})
	}
	return out, nil
}

func (e *channelEndpoint) LocalAddr() *net.UDPAddr { return e.local }
func (e *channelEndpoint) Status() Status          { return e.status }
func (e *channelEndpoint) Close() error {
	e.status = StatusClosed
	return e.conn.Close()
}

func isPortUnreachable(err error) bool {
	return isErrno(err, syscall.ECONNREFUSED)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errorsAs(err, &ne) && ne.Timeout()
}

func isErrno(err error, target syscall.Errno) bool {
	var errno syscall.Errno
	return errorsAs(err, &errno) && errno == target
}

func errorsAs(err error, target any) bool {
	switch t := target.(type) {
	case *net.Error:
		return errors.As(err, t)
	case *syscall.Errno:
		return errors.As(err, t)
	default:
		return false
	}
}

// fdToFile wraps a raw fd as an *os.File so it can be handed to
// net.FilePacketConn, which duplicates the descriptor internally.
func fdToFile(fd int, name string) *os.File {
	return os.NewFile(uintptr(fd), name)
}

// deadlineNow returns a near-immediate read deadline: ReceiveBatch is
// called from the receiver, sender and resolver agents' duty cycles
// and must not block the agent loop
// waiting for a full batch that may never fill.
func deadlineNow() time.Time {
	return time.Now().Add(time.Millisecond)
}
