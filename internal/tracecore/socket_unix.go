//go:build linux || darwin || freebsd || netbsd || openbsd

package tracecore

import "syscall"

// setIPv4TTL sets the TTL for an IPv4 socket.
func setIPv4TTL(fd uintptr, ttl int) error {
	return syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_TTL, ttl)
}

// setIPv6HopLimit sets the hop limit for an IPv6 socket.
func setIPv6HopLimit(fd uintptr, hopLimit int) error {
	return syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IPV6, syscall.IPV6_UNICAST_HOPS, hopLimit)
}

// setIPHdrIncl enables IP_HDRINCL so the kernel transmits the IPv4 header
// this package builds verbatim instead of constructing its own — needed
// for the UDP encoder's Classic/Dublin Identification-field control.
func setIPHdrIncl(fd uintptr) error {
	return syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_HDRINCL, 1)
}
