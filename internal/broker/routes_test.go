package broker

import "testing"

func TestParseRoutesResolvesExactAndPrefix(t *testing.T) {
	table, err := ParseRoutes("orders=kafka:order-events;billing.*=amqp:billing-events/invoice;legacy=stomp:/queue/legacy")
	if err != nil {
		t.Fatalf("ParseRoutes failed: %v", err)
	}

	route, err := table.Resolve("orders")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if route.Transport != TransportKafka || route.Address != "order-events" {
		t.Fatalf("unexpected route %+v", route)
	}

	route, err = table.Resolve("billing.invoices")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if route.Transport != TransportAMQP || route.Address != "billing-events/invoice" {
		t.Fatalf("unexpected route %+v", route)
	}

	route, err = table.Resolve("legacy")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if route.Transport != TransportSTOMP || route.Address != "/queue/legacy" {
		t.Fatalf("unexpected route %+v", route)
	}
}

func TestResolveUnroutableIsPermanent(t *testing.T) {
	table, err := ParseRoutes("orders=kafka:orders")
	if err != nil {
		t.Fatalf("ParseRoutes failed: %v", err)
	}
	_, err = table.Resolve("unknown")
	if err == nil {
		t.Fatal("expected error for unmatched destination")
	}
	if !IsPermanent(err) {
		t.Fatalf("unroutable destination should be permanent, got %v", err)
	}
}

func TestResolveEmptyAddressUsesDestination(t *testing.T) {
	table, err := ParseRoutes("events.*=kafka")
	if err != nil {
		t.Fatalf("ParseRoutes failed: %v", err)
	}
	route, err := table.Resolve("events.orders")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if route.Address != "events.orders" {
		t.Fatalf("expected destination as address, got %q", route.Address)
	}
}

func TestResolveLongestPrefixWins(t *testing.T) {
	table, err := ParseRoutes("events.*=kafka:all-events;events.billing.*=amqp:billing/event")
	if err != nil {
		t.Fatalf("ParseRoutes failed: %v", err)
	}
	route, err := table.Resolve("events.billing.invoice")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if route.Transport != TransportAMQP {
		t.Fatalf("expected the longer prefix to win, got %+v", route)
	}
}

func TestParseRoutesRejectsBadInput(t *testing.T) {
	cases := []string{
		"",
		"orders",
		"orders=rabbit:orders",
		"orders=kafka:a;orders=kafka:b",
		"=kafka:orders",
	}
	for _, raw := range cases {
		if _, err := ParseRoutes(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestTransportsCoversTable(t *testing.T) {
	table, err := ParseRoutes("a=kafka:a;b=amqp:b;c.*=kafka:c")
	if err != nil {
		t.Fatalf("ParseRoutes failed: %v", err)
	}
	got := table.Transports()
	if len(got) != 2 || got[0] != TransportKafka || got[1] != TransportAMQP {
		t.Fatalf("expected [kafka amqp], got %v", got)
	}
}
