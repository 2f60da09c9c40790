package radio

import (
	"context"
	"errors"
	"testing"
)

func TestDisplayName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		node Node
		want string
	}{
		{"long name preferred", Node{ID: 456, LongName: "Alice", ShortName: "AL"}, "Alice"},
		{"short name fallback", Node{ID: 456, ShortName: "AL"}, "AL"},
		{"numeric fallback", Node{ID: 456}, "456"},
	}

	for _, tt := range tests {
		if got := tt.node.DisplayName(); got != tt.want {
			t.Errorf("%s: DisplayName = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestMatchName(t *testing.T) {
	t.Parallel()

	nodes := []Node{
		{ID: 789, LongName: "Bob Mobile", ShortName: "BOB"},
		{ID: 456, LongName: "Alice", ShortName: "AL"},
		{ID: 1001, LongName: "Base Alpha", ShortName: "BA"},
	}

	tests := []struct {
		query  string
		wantID int64
		wantOK bool
	}{
		{"bob", 789, true},
		{"BOB", 789, true},
		{"alice", 456, true},
		{"alpha", 1001, true},
		{"a", 456, true}, // lowest id among multiple matches
		{"charlie", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		got, ok := MatchName(nodes, tt.query)
		if ok != tt.wantOK || (ok && got.ID != tt.wantID) {
			t.Errorf("MatchName(%q) = (%d, %v), want (%d, %v)", tt.query, got.ID, ok, tt.wantID, tt.wantOK)
		}
	}
}

func TestSimNodeTable(t *testing.T) {
	t.Parallel()

	s := NewSim(100)
	defer s.Close()

	s.AddNode(Node{ID: 456, LongName: "Alice", Online: true})
	s.AddNode(Node{ID: 789, LongName: "Bob Mobile"})

	if got := len(s.Nodes()); got != 2 {
		t.Errorf("Nodes() len = %d, want 2", got)
	}

	n, ok := s.LookupNode(456)
	if !ok || n.LongName != "Alice" {
		t.Errorf("LookupNode(456) = (%+v, %v)", n, ok)
	}
	if n.LastSeen == 0 {
		t.Error("AddNode did not default LastSeen")
	}

	s.RemoveNode(456)
	if _, ok := s.LookupNode(456); ok {
		t.Error("node 456 still present after RemoveNode")
	}
}

func TestSimSendAndInject(t *testing.T) {
	t.Parallel()

	s := NewSim(100)

	if err := s.SendText(context.Background(), 456, "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	sent := s.Sent()
	if len(sent) != 1 || sent[0].To != 456 || sent[0].Text != "hello" || sent[0].From != 100 {
		t.Errorf("Sent() = %+v", sent)
	}

	s.Inject(Packet{From: 456, Text: "ping"})
	select {
	case p := <-s.Packets():
		if p.From != 456 || p.Text != "ping" {
			t.Errorf("received %+v", p)
		}
		if p.RxTime == 0 {
			t.Error("Inject did not default RxTime")
		}
	default:
		t.Fatal("no packet on receive channel")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.SendText(context.Background(), 456, "late"); !errors.Is(err, ErrRadioClosed) {
		t.Errorf("SendText after close = %v, want ErrRadioClosed", err)
	}
	if _, open := <-s.Packets(); open {
		t.Error("Packets channel still open after Close")
	}
}

func TestSimSendCancelledContext(t *testing.T) {
	t.Parallel()

	s := NewSim(100)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.SendText(ctx, 456, "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("SendText with cancelled ctx = %v, want context.Canceled", err)
	}
}
