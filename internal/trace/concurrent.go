package trace

import (
	"context"
	"net"
	"sort"
	"sync"
)

// hopResult holds the result of probing a single hop.
type hopResult struct {
	ttl int
	hop Hop
}

// traceConcurrent performs a concurrent traceroute. It launches multiple
// goroutines to call probeHop for different TTLs simultaneously; the
// session's single receiveLoop goroutine still owns correlation, so
// concurrency here only affects send timing, not the outstanding table.
func (s *session) traceConcurrent(ctx context.Context, dest net.IP) ([]Hop, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	concurrency := s.t.config.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 30
	}
	if concurrency > s.t.config.MaxHops {
		concurrency = s.t.config.MaxHops
	}

	jobs := make(chan int, s.t.config.MaxHops)
	results := make(chan hopResult, s.t.config.MaxHops)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, dest, jobs, results)
		}()
	}

	go func() {
		for ttl := s.t.config.FirstHop; ttl <= s.t.config.MaxHops; ttl++ {
			select {
			case <-ctx.Done():
				close(jobs)
				return
			case jobs <- ttl:
			}
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	hopMap := make(map[int]Hop)
	destinationReached := false
	destinationTTL := s.t.config.MaxHops + 1

	for result := range results {
		hopMap[result.ttl] = result.hop

		if s.t.config.OnHop != nil {
			hop := result.hop
			s.t.config.OnHop(&hop)
		}

		if result.hop.Responded && result.hop.IP != nil && result.hop.IP.Equal(dest) {
			destinationReached = true
			if result.ttl < destinationTTL {
				destinationTTL = result.ttl
			}
		}
	}

	hops := buildHopList(hopMap, destinationReached, destinationTTL)

	return hops, nil
}

// worker processes probe jobs from the jobs channel.
func (s *session) worker(ctx context.Context, dest net.IP, jobs <-chan int, results chan<- hopResult) {
	for ttl := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}

		hop := s.probeHop(ctx, dest, ttl)
		results <- hopResult{ttl: ttl, hop: hop}
	}
}

// buildHopList builds an ordered list of hops from the result map,
// dropping anything probed past the TTL that first reached the destination.
func buildHopList(hopMap map[int]Hop, destinationReached bool, destinationTTL int) []Hop {
	ttls := make([]int, 0, len(hopMap))
	for ttl := range hopMap {
		ttls = append(ttls, ttl)
	}
	sort.Ints(ttls)

	hops := make([]Hop, 0, len(ttls))
	for _, ttl := range ttls {
		if destinationReached && ttl > destinationTTL {
			continue
		}
		hops = append(hops, hopMap[ttl])
	}

	return hops
}
