package clients

import (
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestHub(queueSize int) *Hub {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewHub(queueSize, logger)
}

func TestRegisterAssignsID(t *testing.T) {
	hub := newTestHub(4)
	client, err := hub.Register("")
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	if client.ID() == "" {
		t.Fatalf("expected generated client id")
	}
	if client.Controlled() {
		t.Fatalf("pages connected before claim must be uncontrolled")
	}
	if got, err := hub.Get(client.ID()); err != nil || got != client {
		t.Fatalf("lookup mismatch: %v %v", got, err)
	}
}

func TestClaimControlsExistingAndFuturePages(t *testing.T) {
	hub := newTestHub(4)
	early, _ := hub.Register("early")

	if claimed := hub.Claim(); claimed != 1 {
		t.Fatalf("expected one claimed page, got %d", claimed)
	}
	if !early.Controlled() {
		t.Fatalf("existing page should be controlled after claim")
	}
	late, _ := hub.Register("late")
	if !late.Controlled() {
		t.Fatalf("page connected after claim should start controlled")
	}
}

func TestMatchAllFiltersUncontrolled(t *testing.T) {
	hub := newTestHub(4)
	hub.Register("a")
	hub.Register("b")

	if got := hub.MatchAll(false); len(got) != 0 {
		t.Fatalf("expected no controlled pages, got %d", len(got))
	}
	all := hub.MatchAll(true)
	if len(all) != 2 || all[0].ID() != "a" || all[1].ID() != "b" {
		t.Fatalf("unexpected pages %v", all)
	}
}

func TestPostAndBroadcast(t *testing.T) {
	hub := newTestHub(4)
	a, _ := hub.Register("a")
	b, _ := hub.Register("b")

	if err := hub.Post("a", map[string]int{"loaded": 1, "total": 2}); err != nil {
		t.Fatalf("post error: %v", err)
	}
	delivered, err := hub.Broadcast(map[string]string{"type": "share"}, true)
	if err != nil || delivered != 2 {
		t.Fatalf("broadcast: delivered=%d err=%v", delivered, err)
	}

	first := <-a.Messages()
	var progress map[string]int
	if err := json.Unmarshal(first, &progress); err != nil || progress["loaded"] != 1 {
		t.Fatalf("unexpected targeted message %s", first)
	}
	if got := string(<-a.Messages()); got != `{"type":"share"}` {
		t.Fatalf("unexpected broadcast %s", got)
	}
	if got := string(<-b.Messages()); got != `{"type":"share"}` {
		t.Fatalf("unexpected broadcast %s", got)
	}
}

func TestPostMissingClient(t *testing.T) {
	hub := newTestHub(4)
	if err := hub.Post("ghost", "x"); !errors.Is(err, ErrClientNotFound) {
		t.Fatalf("expected ErrClientNotFound, got %v", err)
	}
}

func TestBroadcastReportsFullQueue(t *testing.T) {
	hub := newTestHub(1)
	hub.Register("slow")
	fast, _ := hub.Register("fast")

	if _, err := hub.Broadcast("one", true); err != nil {
		t.Fatalf("first broadcast error: %v", err)
	}
	<-fast.Messages()

	delivered, err := hub.Broadcast("two", true)
	if delivered != 1 {
		t.Fatalf("expected delivery to the drained page only, got %d", delivered)
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestRegisterTakenIDKeepsConnectedPage(t *testing.T) {
	hub := newTestHub(2)
	first, _ := hub.Register("page")
	second, err := hub.Register("page")
	if err != nil {
		t.Fatalf("register error: %v", err)
	}

	if second.ID() == "page" || second.ID() == "" {
		t.Fatalf("taken id should be replaced with a fresh one, got %q", second.ID())
	}
	if got, err := hub.Get("page"); err != nil || got != first {
		t.Fatalf("connected page was displaced: %v %v", got, err)
	}
	if err := hub.Post("page", map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("original page should still receive messages: %v", err)
	}
	select {
	case <-first.Messages():
	default:
		t.Fatalf("message should reach the original page")
	}
	if hub.Len() != 2 {
		t.Fatalf("expected two pages, got %d", hub.Len())
	}

	// 原页面断开后，同一 ID 可以重新登记。
	hub.Unregister(first)
	third, _ := hub.Register("page")
	if third.ID() != "page" {
		t.Fatalf("released id should be honoured, got %q", third.ID())
	}
}

func TestCloseDisconnectsAll(t *testing.T) {
	hub := newTestHub(2)
	client, _ := hub.Register("page")
	hub.Close()

	if _, ok := <-client.Messages(); ok {
		t.Fatalf("queue should be closed")
	}
	if _, err := hub.Register("again"); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("expected ErrHubClosed, got %v", err)
	}
	hub.Close()
}
