package broker

import (
	"fmt"
	"sort"
	"strings"
)

// Route binds a destination pattern to a transport and a native address
// (Kafka topic, AMQP "exchange/routing-key", STOMP "/queue/name"). An
// empty address means the destination name is used as-is.
type Route struct {
	Pattern   string
	Transport Transport
	Address   string
}

// RouteTable resolves logical destinations to routes. Exact patterns
// win over prefix patterns; among prefix patterns the longest match
// wins.
type RouteTable struct {
	exact    map[string]Route
	prefixes []Route
}

// ParseRoutes reads a table from its configuration form:
//
//	orders=kafka:orders;billing.*=amqp:billing-events/invoice;legacy=stomp:/queue/legacy
//
// Entries are separated by ';', each entry is pattern=transport:address.
// A pattern ending in '*' matches any destination with that prefix.
func ParseRoutes(raw string) (*RouteTable, error) {
	table := &RouteTable{exact: map[string]Route{}}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		pattern, spec, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("route %q: want pattern=transport:address", entry)
		}
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			return nil, fmt.Errorf("route %q: empty pattern", entry)
		}
		transportName, address, _ := strings.Cut(strings.TrimSpace(spec), ":")
		transport := Transport(transportName)
		if !transport.Valid() {
			return nil, fmt.Errorf("route %q: unknown transport %q", entry, transportName)
		}
		route := Route{Pattern: pattern, Transport: transport, Address: address}
		if strings.HasSuffix(pattern, "*") {
			table.prefixes = append(table.prefixes, route)
			continue
		}
		if _, dup := table.exact[pattern]; dup {
			return nil, fmt.Errorf("route %q: duplicate pattern", entry)
		}
		table.exact[pattern] = route
	}
	sort.SliceStable(table.prefixes, func(i, j int) bool {
		return len(table.prefixes[i].Pattern) > len(table.prefixes[j].Pattern)
	})
	if len(table.exact) == 0 && len(table.prefixes) == 0 {
		return nil, fmt.Errorf("route table is empty")
	}
	return table, nil
}

// Resolve maps a destination to its route with the address filled in.
// An unmatched destination is a permanent error: retrying cannot route
// it.
func (t *RouteTable) Resolve(destination string) (Route, error) {
	if route, ok := t.exact[destination]; ok {
		return resolved(route, destination), nil
	}
	for _, route := range t.prefixes {
		if strings.HasPrefix(destination, strings.TrimSuffix(route.Pattern, "*")) {
			return resolved(route, destination), nil
		}
	}
	return Route{}, Permanentf("no route for destination %q", destination)
}

func resolved(route Route, destination string) Route {
	if route.Address == "" {
		route.Address = destination
	}
	return route
}

// Transports returns the distinct transports the table uses, for wiring
// only the adapters a deployment needs.
func (t *RouteTable) Transports() []Transport {
	seen := map[Transport]bool{}
	for _, r := range t.exact {
		seen[r.Transport] = true
	}
	for _, r := range t.prefixes {
		seen[r.Transport] = true
	}
	out := make([]Transport, 0, len(seen))
	for _, transport := range []Transport{TransportKafka, TransportAMQP, TransportSTOMP} {
		if seen[transport] {
			out = append(out, transport)
		}
	}
	return out
}
