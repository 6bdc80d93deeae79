package trace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KilimcininKorOglu/poros/internal/tracecore"
)

// Tracer is a demonstration scheduler: it owns one tracecore.Channel and
// one tracecore.Outstanding table per trace, runs a single receive loop
// that is the table's only mutator, and lets any number of sender
// goroutines submit probes concurrently through sendAndWait, so the
// concurrent TTL sweep fans out sends without sharing the table.
type Tracer struct {
	config *Config
	log    *slog.Logger

	family   tracecore.Family
	protocol tracecore.Protocol
	flags    tracecore.Flags
	traceID  tracecore.TraceId

	seq       uint32
	roundSeed uint32
}

// New creates a new Tracer with the given configuration.
func New(config *Config) (*Tracer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var protocol tracecore.Protocol
	switch config.ProbeMethod {
	case ProbeICMP:
		protocol = tracecore.ProtocolICMP
	case ProbeUDP:
		protocol = tracecore.ProtocolUDP
	case ProbeTCP:
		protocol = tracecore.ProtocolTCP
	default:
		return nil, fmt.Errorf("unknown probe method: %v", config.ProbeMethod)
	}

	family := tracecore.FamilyIPv4
	if config.IPv6 {
		family = tracecore.FamilyIPv6
	}

	return &Tracer{
		config:   config,
		log:      slog.Default(),
		family:   family,
		protocol: protocol,
		flags:    config.flags(),
		traceID:  tracecore.TraceId(uint16(time.Now().UnixNano())),
	}, nil
}

// Close is a no-op: a Tracer holds no resources across Trace calls, each
// of which opens and closes its own channel.
func (t *Tracer) Close() error { return nil }

// session bundles the per-Trace state: the open channel, the single owner
// of the outstanding-probe table, and the waiters a receive loop wakes.
type session struct {
	t           *Tracer
	channel     *tracecore.Channel
	correlator  *tracecore.Correlator
	outstanding *tracecore.Outstanding
	srcIP       net.IP
	round       tracecore.RoundId

	// tableOps carries Add/Remove requests from sender goroutines to the
	// receive loop, which is the only goroutine that touches outstanding.
	tableOps chan tableOp

	mu      sync.Mutex
	waiters map[probeWaiterKey]chan tracecore.ProbeComplete
}

type probeWaiterKey struct {
	round tracecore.RoundId
	seq   tracecore.Sequence
}

// tableOp is one mutation of the outstanding-probe table, shipped to the
// receive loop rather than applied in place.
type tableOp struct {
	probe  tracecore.Probe
	remove bool
}

// Trace performs a traceroute to the specified target.
func (t *Tracer) Trace(ctx context.Context, target string) (*TraceResult, error) {
	dest, err := t.resolveTarget(ctx, target)
	if err != nil {
		return nil, err
	}

	channel, err := tracecore.MakeChannel(t.family, t.protocol)
	if err != nil {
		return nil, err
	}
	defer channel.Close()

	srcIP := t.config.SourceIP
	if srcIP == nil {
		srcIP = getOutboundIP(t.config.IPv6)
	}

	correlator := tracecore.NewCorrelator(t.log)
	correlator.BasePayloadLen = t.config.DublinBasePayloadLen
	correlator.Target = dest

	s := &session{
		t:           t,
		channel:     channel,
		correlator:  correlator,
		outstanding: tracecore.NewOutstanding(),
		srcIP:       srcIP,
		round:       tracecore.RoundId(atomic.AddUint32(&t.roundSeed, 1)),
		// Sized so a sender can never block on it even if the receive
		// loop has already exited on cancellation: at most two ops per
		// probe and two probes per slot (a skipped probe is re-issued once).
		tableOps:    make(chan tableOp, 4*t.config.MaxHops*t.config.ProbeCount+16),
		waiters:     make(map[probeWaiterKey]chan tracecore.ProbeComplete),
	}

	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.receiveLoop(recvCtx)
	}()

	var hops []Hop
	useConcurrent := !t.config.Sequential
	if useConcurrent && t.config.ProbeMethod == ProbeICMP {
		// A shared ICMP socket demultiplexes purely by correlator
		// fingerprint; sequential keeps the demonstration simple.
		useConcurrent = false
	}

	if useConcurrent {
		hops, err = s.traceConcurrent(ctx, dest)
	} else {
		hops, err = s.traceSequential(ctx, dest)
	}

	cancelRecv()
	wg.Wait()

	if err != nil {
		return nil, err
	}

	return t.buildResult(target, dest, hops), nil
}

// receiveLoop is the sole owner of s.outstanding: senders ship their table
// mutations over s.tableOps, so Correlate and Reap run free of locking. It
// publishes matches to sendAndWait callers through the mutex-protected
// waiters map and periodically reaps probes sendAndWait has given up on.
func (s *session) receiveLoop(ctx context.Context) {
	deadline := time.Duration(s.t.config.ReapMultiple * float64(s.t.config.Timeout))
	ticker := time.NewTicker(s.t.config.Timeout)
	defer ticker.Stop()

	for {
		s.drainTableOps()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.outstanding.Reap(time.Now(), deadline)
			continue
		default:
		}

		resp, ok, err := tracecore.NextResponse(ctx, s.channel, s.t.protocol, s.t.config.IPv6, 200*time.Millisecond)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.t.log.Debug("receive loop error", "err", err)
			continue
		}
		if !ok {
			continue
		}

		// Pick up any probes registered while the receive was blocked, so
		// a response cannot outrun its own probe's table entry.
		s.drainTableOps()

		complete, matched := s.correlator.Correlate(resp, s.outstanding)
		if !matched {
			continue
		}

		s.deliver(complete)
	}
}

func (s *session) drainTableOps() {
	for {
		select {
		case op := <-s.tableOps:
			if op.remove {
				s.outstanding.Remove(op.probe.Round, op.probe.Sequence)
			} else {
				s.outstanding.Add(op.probe)
			}
		default:
			return
		}
	}
}

func (s *session) deliver(complete tracecore.ProbeComplete) {
	key := probeWaiterKey{complete.Round, complete.Sequence}

	s.mu.Lock()
	ch, ok := s.waiters[key]
	if ok {
		delete(s.waiters, key)
	}
	s.mu.Unlock()

	if ok {
		ch <- complete
	}
}

// sendAndWait drives one probe through its whole lifecycle: it builds a
// Probe for ttl/seq, registers it with the receive loop, sends it, and
// blocks until either the receive loop delivers a match or the probe's
// timeout elapses. The returned status is Skipped when the send was
// abandoned before the wire (a TCP port-bind failure), Complete on a
// correlated response, and Awaited when the timeout elapsed first — the
// receive loop's reaper eventually drops the table entry for those.
// Multiple goroutines may call this concurrently; only the receive loop
// touches s.outstanding directly.
func (s *session) sendAndWait(ctx context.Context, dest net.IP, ttl int, seq tracecore.Sequence) tracecore.ProbeStatus {
	probe := tracecore.New(seq, s.t.traceID, s.localPort(seq), tracecore.Port(s.t.config.DestPort),
		tracecore.TimeToLive(ttl), s.round, time.Now(), s.t.flags)

	key := probeWaiterKey{probe.Round, probe.Sequence}
	resultCh := make(chan tracecore.ProbeComplete, 1)

	s.mu.Lock()
	s.waiters[key] = resultCh
	s.mu.Unlock()

	// Register before sending so the table entry is guaranteed to beat
	// any response back to the receive loop.
	s.tableOps <- tableOp{probe: probe}

	params := s.codecParams(dest)
	if err := tracecore.SendProbe(s.channel, probe, params); err != nil {
		s.mu.Lock()
		delete(s.waiters, key)
		s.mu.Unlock()
		s.tableOps <- tableOp{probe: probe, remove: true}

		if errors.Is(err, tracecore.ErrPortBind) {
			s.t.log.Debug("probe skipped", "ttl", ttl, "seq", uint16(seq), "err", err)
			return tracecore.SkippedStatus()
		}
		s.t.log.Debug("send failed", "ttl", ttl, "seq", uint16(seq), "err", err)
		return tracecore.NotSentStatus()
	}

	status := tracecore.Await(probe)

	timer := time.NewTimer(s.t.config.Timeout)
	defer timer.Stop()

	select {
	case complete := <-resultCh:
		done, err := status.Complete(complete.Host, complete.Received, complete.IcmpType, complete.Extensions)
		if err != nil {
			return status
		}
		return done
	case <-timer.C:
	case <-ctx.Done():
	}

	s.mu.Lock()
	delete(s.waiters, key)
	s.mu.Unlock()
	return status
}

// localPort derives a per-probe source port for UDP/TCP strategies that
// fingerprint on the port tuple; ICMP ignores it.
func (s *session) localPort(seq tracecore.Sequence) tracecore.Port {
	return tracecore.Port(33000 + uint16(seq)%1000)
}

func (s *session) codecParams(dest net.IP) tracecore.CodecParams {
	return tracecore.CodecParams{
		Family:         s.t.family,
		Protocol:       s.t.protocol,
		SrcIP:          s.srcIP,
		DstIP:          dest,
		PacketSize:     tracecore.MaxPacketSize / 2,
		PayloadValue:   0x00,
		BasePayloadLen: s.t.config.DublinBasePayloadLen,
	}
}

func (s *session) nextSeq() tracecore.Sequence {
	return tracecore.Sequence(atomic.AddUint32(&s.t.seq, 1))
}

// resolveTarget resolves a hostname or IP string to a net.IP.
func (t *Tracer) resolveTarget(ctx context.Context, target string) (net.IP, error) {
	if ip := net.ParseIP(target); ip != nil {
		if t.config.IPv4 && ip.To4() == nil {
			return nil, fmt.Errorf("%s is an IPv6 address but IPv4 was requested", target)
		}
		if t.config.IPv6 && ip.To4() != nil {
			return nil, fmt.Errorf("%s is an IPv4 address but IPv6 was requested", target)
		}
		return ip, nil
	}

	var network string
	switch {
	case t.config.IPv6:
		network = "ip6"
	case t.config.IPv4:
		network = "ip4"
	default:
		network = "ip"
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, network, target)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", target, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IP addresses found for %s", target)
	}

	if !t.config.IPv6 {
		for _, ip := range ips {
			if ip.To4() != nil {
				return ip, nil
			}
		}
	}
	return ips[0], nil
}

// getOutboundIP gets the preferred outbound IP address by dialing a
// well-known address and reading back the kernel's chosen local address.
func getOutboundIP(ipv6 bool) net.IP {
	network, address := "udp4", "8.8.8.8:80"
	if ipv6 {
		network, address = "udp6", "[2001:4860:4860::8888]:80"
	}

	conn, err := net.Dial(network, address)
	if err != nil {
		if ipv6 {
			return net.ParseIP("::")
		}
		return net.ParseIP("0.0.0.0")
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP
}

// traceSequential performs a sequential traceroute.
func (s *session) traceSequential(ctx context.Context, dest net.IP) ([]Hop, error) {
	hops := make([]Hop, 0, s.t.config.MaxHops)

	for ttl := s.t.config.FirstHop; ttl <= s.t.config.MaxHops; ttl++ {
		select {
		case <-ctx.Done():
			return hops, ctx.Err()
		default:
		}

		hop := s.probeHop(ctx, dest, ttl)
		hops = append(hops, hop)

		if s.t.config.OnHop != nil {
			s.t.config.OnHop(&hops[len(hops)-1])
		}

		if hop.Responded && hop.IP != nil && hop.IP.Equal(dest) {
			break
		}
	}

	return hops, nil
}

// probeHop sends ProbeCount probes for a single hop and aggregates them.
func (s *session) probeHop(ctx context.Context, dest net.IP, ttl int) Hop {
	hop := Hop{
		Number: ttl,
		RTTs:   make([]float64, 0, s.t.config.ProbeCount),
	}

	var lastIP net.IP
	var lastType tracecore.IcmpPacketType
	var lastExt *tracecore.Extensions

	for i := 0; i < s.t.config.ProbeCount; i++ {
		select {
		case <-ctx.Done():
			hop.RTTs = append(hop.RTTs, -1)
			continue
		default:
		}

		sent := time.Now()
		status := s.sendAndWait(ctx, dest, ttl, s.nextSeq())
		if status.IsSkipped() {
			// Re-issue at the same TTL with the next sequence; a skipped
			// probe never reached the wire, so it costs nothing but a slot.
			sent = time.Now()
			status = s.sendAndWait(ctx, dest, ttl, s.nextSeq())
		}

		complete, ok := status.AsComplete()
		if !ok {
			hop.RTTs = append(hop.RTTs, -1)
			continue
		}

		rtt := float64(complete.Received.Sub(sent).Microseconds()) / 1000.0
		hop.RTTs = append(hop.RTTs, rtt)
		lastIP = complete.Host
		lastType = complete.IcmpType
		lastExt = complete.Extensions
	}

	if lastIP != nil {
		hop.IP = lastIP
		hop.Responded = true
		hop.IcmpType = lastType
		hop.Extensions = lastExt
	}

	hop.AvgRTT, hop.MinRTT, hop.MaxRTT, hop.Jitter = calculateRTTStats(hop.RTTs)
	hop.LossPercent = calculateLossPercent(hop.RTTs)

	return hop
}

// buildResult creates a TraceResult from the collected hops.
func (t *Tracer) buildResult(target string, dest net.IP, hops []Hop) *TraceResult {
	result := &TraceResult{
		Target:      target,
		ResolvedIP:  dest,
		Timestamp:   time.Now(),
		ProbeMethod: t.config.ProbeMethod.String(),
		Hops:        hops,
		Completed:   false,
	}

	if len(hops) > 0 {
		lastHop := hops[len(hops)-1]
		if lastHop.IP != nil && lastHop.IP.Equal(dest) {
			result.Completed = true
		}
	}

	result.Summary = t.calculateSummary(hops)

	return result
}

// calculateSummary calculates aggregate statistics for the trace.
func (t *Tracer) calculateSummary(hops []Hop) Summary {
	summary := Summary{
		TotalHops: len(hops),
	}

	var totalLoss float64

	for _, hop := range hops {
		totalLoss += hop.LossPercent
	}

	if len(hops) > 0 {
		summary.PacketLossPercent = totalLoss / float64(len(hops))
	}

	for i := len(hops) - 1; i >= 0; i-- {
		if hops[i].AvgRTT > 0 {
			summary.TotalTimeMs = hops[i].AvgRTT
			break
		}
	}

	return summary
}

// calculateRTTStats calculates RTT statistics from a slice of RTT values.
// Negative values are treated as timeouts and excluded from calculations.
func calculateRTTStats(rtts []float64) (avg, min, max, jitter float64) {
	var valid []float64
	for _, rtt := range rtts {
		if rtt >= 0 {
			valid = append(valid, rtt)
		}
	}

	if len(valid) == 0 {
		return 0, 0, 0, 0
	}

	min = valid[0]
	max = valid[0]
	sum := 0.0

	for _, rtt := range valid {
		sum += rtt
		if rtt < min {
			min = rtt
		}
		if rtt > max {
			max = rtt
		}
	}

	avg = sum / float64(len(valid))
	jitter = max - min

	return
}

// calculateLossPercent calculates packet loss percentage.
// Negative RTT values indicate timeouts.
func calculateLossPercent(rtts []float64) float64 {
	if len(rtts) == 0 {
		return 0
	}

	timeouts := 0
	for _, rtt := range rtts {
		if rtt < 0 {
			timeouts++
		}
	}

	return float64(timeouts) / float64(len(rtts)) * 100
}
