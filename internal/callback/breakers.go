package callback

import (
	"autofigure/pkg/circuitbreaker"
	"slices"
	"sync"
)

// destinations keeps one circuit breaker per webhook host, so a dead
// receiver stops consuming workers without delaying other jobs' callbacks.
type destinations struct {
	mu       sync.Mutex
	breakers map[string]*circuitbreaker.Breaker
	config   circuitbreaker.Config
}

func newDestinations(cfg circuitbreaker.Config) *destinations {
	return &destinations{
		breakers: make(map[string]*circuitbreaker.Breaker),
		config:   cfg,
	}
}

// breaker returns the host's breaker, creating a closed one on first use.
func (d *destinations) breaker(host string) *circuitbreaker.Breaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.breakers[host]
	if !ok {
		b = circuitbreaker.New(d.config)
		d.breakers[host] = b
	}
	return b
}

// unavailable lists, sorted, the hosts whose circuit is not closed.
func (d *destinations) unavailable() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var hosts []string
	for host, b := range d.breakers {
		if b.State() != circuitbreaker.Closed {
			hosts = append(hosts, host)
		}
	}
	slices.Sort(hosts)
	return hosts
}

func (d *destinations) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.breakers)
}
