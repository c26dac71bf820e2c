package eventbridge

import (
	"testing"
)

func TestRouterBuffersAndFlushes(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(4))
	first := Event{EventID: "evt-1", ExecutionID: "exec-1", Type: TypeNodeCompleted}
	second := Event{EventID: "evt-2", ExecutionID: "exec-1", Type: TypeExecutionCompleted}
	router.Publish(first)
	router.Publish(second)
	sub := router.Subscribe(Wildcard)
	defer sub.Close()
	got1 := <-sub.Events
	if got1.EventID != first.EventID {
		t.Fatalf("expected first buffered event, got %s", got1.EventID)
	}
	got2 := <-sub.Events
	if got2.EventID != second.EventID {
		t.Fatalf("expected second buffered event, got %s", got2.EventID)
	}
	if router.Pending() != 0 {
		t.Fatalf("backlog should be drained, got %d", router.Pending())
	}
}

func TestRouterRoutesByTopic(t *testing.T) {
	router := NewRouter()
	router.Route(Event{EventID: "evt-0", Type: TypeReviewRequested})
	escalations := router.Subscribe(TypeExecutionEscalated)
	defer escalations.Close()
	router.Route(Event{EventID: "evt-1", Type: TypeNodeCompleted})
	router.Route(Event{EventID: "evt-2", Type: TypeExecutionEscalated})
	if got := <-escalations.Events; got.EventID != "evt-2" {
		t.Fatalf("expected escalation, got %s", got.EventID)
	}
	select {
	case got := <-escalations.Events:
		t.Fatalf("unexpected delivery %s", got.EventID)
	default:
	}
	if router.Pending() != 2 {
		t.Fatalf("unmatched events should stay buffered, got %d", router.Pending())
	}
	reviews := router.Subscribe(TypeReviewRequested)
	defer reviews.Close()
	if got := <-reviews.Events; got.EventID != "evt-0" {
		t.Fatalf("expected buffered review request, got %s", got.EventID)
	}
}

func TestRouterDedupeByEventID(t *testing.T) {
	router := NewRouter()
	sub := router.Subscribe(TypeNodeCompleted)
	defer sub.Close()
	event := Event{EventID: "evt-1", ExecutionID: "exec-1", Type: TypeNodeCompleted}
	router.Route(event)
	router.Route(event)
	select {
	case got := <-sub.Events:
		if got.EventID != event.EventID {
			t.Fatalf("unexpected event: %s", got.EventID)
		}
	default:
		t.Fatalf("expected first delivery")
	}
	select {
	case <-sub.Events:
		t.Fatalf("duplicate event delivered")
	default:
	}
}

func TestRouterDropsOldestPreferredEventOnOverflow(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(1))
	sub := router.Subscribe(Wildcard)
	defer sub.Close()
	oldest := Event{EventID: "evt-1", Type: TypeNodeCompleted}
	critical := Event{EventID: "evt-2", Type: TypeExecutionEscalated}
	router.Route(oldest)
	router.Route(critical)
	if got := <-sub.Events; got.EventID != critical.EventID {
		t.Fatalf("expected critical event to replace oldest, got %s", got.EventID)
	}
}

func TestRouterDropsIncomingWhenOldestCritical(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(1))
	sub := router.Subscribe(Wildcard)
	defer sub.Close()
	oldest := Event{EventID: "evt-1", Type: TypeExecutionFailed}
	droppable := Event{EventID: "evt-2", Type: TypeNodeFailed}
	router.Route(oldest)
	router.Route(droppable)
	if got := <-sub.Events; got.EventID != oldest.EventID {
		t.Fatalf("expected oldest critical event to remain, got %s", got.EventID)
	}
	select {
	case <-sub.Events:
		t.Fatalf("unexpected extra event")
	default:
	}
}

func TestRouterBacklogKeepsCriticalEvents(t *testing.T) {
	router := NewRouter(RouterWithBacklogLimit(2))
	router.Route(Event{EventID: "evt-1", Type: TypeExecutionEscalated})
	router.Route(Event{EventID: "evt-2", Type: TypeNodeCompleted})
	router.Route(Event{EventID: "evt-3", Type: TypeNodeCompleted})
	sub := router.Subscribe(Wildcard)
	defer sub.Close()
	if got := <-sub.Events; got.EventID != "evt-1" {
		t.Fatalf("critical event should survive backlog overflow, got %s", got.EventID)
	}
	if got := <-sub.Events; got.EventID != "evt-3" {
		t.Fatalf("expected newest progress event, got %s", got.EventID)
	}
}
