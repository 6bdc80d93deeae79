package tracecore

import "errors"

// Sentinel errors forming the error taxonomy: configuration, transport,
// protocol-parse. Correlation miss is deliberately not an error
// (see Correlator.Correlate) — it is a counted observation.
var (
	// ErrInvalidPacketSize is returned when an encoder is asked to build a
	// packet larger than MaxPacketSize.
	ErrInvalidPacketSize = errors.New("tracecore: invalid packet size")

	// ErrPacketParse covers truncated headers, implausible lengths, and
	// non-matching nested IP versions encountered while decoding.
	ErrPacketParse = errors.New("tracecore: packet parse error")

	// ErrTransport wraps send/receive OS errors on an open channel.
	ErrTransport = errors.New("tracecore: transport error")

	// ErrChannelCreation covers failure to acquire a channel, including
	// permission denied opening a raw socket.
	ErrChannelCreation = errors.New("tracecore: channel creation error")

	// ErrPermissionDenied is wrapped into ErrChannelCreation when the OS
	// denies raw-socket access (missing CAP_NET_RAW or equivalent).
	ErrPermissionDenied = errors.New("tracecore: permission denied")

	// ErrInvalidTTL is returned when a TTL outside [1,255] is supplied.
	ErrInvalidTTL = errors.New("tracecore: invalid ttl")

	// ErrSocketClosed is returned by operations attempted on a closed
	// channel.
	ErrSocketClosed = errors.New("tracecore: socket closed")

	// ErrNotAwaited is returned by ProbeStatus.Complete when called on a
	// status that is not currently Awaited.
	ErrNotAwaited = errors.New("tracecore: probe status is not awaited")

	// ErrPortBind is returned when the TCP encoder cannot bind a local
	// source port; the caller should transition the probe to Skipped.
	ErrPortBind = errors.New("tracecore: local port bind failed")
)

// IsTimeout reports whether err indicates a bounded receive timed out
// without an error condition — used by callers that want to distinguish
// "nothing arrived" from a genuine transport fault.
func IsTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}
