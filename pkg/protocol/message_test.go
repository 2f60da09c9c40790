package protocol

import (
	"strings"
	"testing"
	"time"
)

func TestNewMessageDefaults(t *testing.T) {
	t.Parallel()

	before := time.Now().UnixMilli()
	m := NewMessage("station-a", "station-b", 456, 789, TypeUserMessage, "hello")
	after := time.Now().UnixMilli()

	if m.Version != Version {
		t.Errorf("Version = %q, want %q", m.Version, Version)
	}
	if m.MessageID == "" {
		t.Error("MessageID is empty")
	}
	if m.Timestamp < before || m.Timestamp > after {
		t.Errorf("Timestamp %d outside [%d, %d]", m.Timestamp, before, after)
	}
	if m.Delivery.Priority != PriorityNormal {
		t.Errorf("Priority = %v, want NORMAL", m.Delivery.Priority)
	}
	if m.Delivery.TTL != DefaultTTLSeconds {
		t.Errorf("TTL = %d, want %d", m.Delivery.TTL, DefaultTTLSeconds)
	}
	if !m.Delivery.RequiresAck {
		t.Error("RequiresAck = false, want true")
	}
	if m.Delivery.MaxRetries != DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", m.Delivery.MaxRetries, DefaultMaxRetries)
	}
	if m.Delivery.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", m.Delivery.RetryCount)
	}
	if err := m.Validate(); err != nil {
		t.Errorf("fresh message fails validation: %v", err)
	}

	other := NewMessage("station-a", "station-b", 456, 789, TypeUserMessage, "hello")
	if other.MessageID == m.MessageID {
		t.Error("two messages share a MessageID")
	}
}

func TestNewMessageOptions(t *testing.T) {
	t.Parallel()

	m := NewMessage("station-a", "station-b", 0, 0, TypeAck, "{}",
		WithPriority(PriorityHigh),
		WithTTL(AckTTLSeconds),
		WithRequiresAck(false),
		WithMaxRetries(AckMaxRetries),
	)

	if m.Delivery.Priority != PriorityHigh {
		t.Errorf("Priority = %v, want HIGH", m.Delivery.Priority)
	}
	if m.Delivery.TTL != AckTTLSeconds {
		t.Errorf("TTL = %d, want %d", m.Delivery.TTL, AckTTLSeconds)
	}
	if m.Delivery.RequiresAck {
		t.Error("RequiresAck = true, want false")
	}
	if m.Delivery.MaxRetries != AckMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", m.Delivery.MaxRetries, AckMaxRetries)
	}
}

func TestMessageValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Message {
		return NewMessage("station-a", "station-b", 456, 789, TypeUserMessage, "hello")
	}

	tests := []struct {
		name        string
		modify      func(m *Message)
		wantErr     bool
		errContains string
	}{
		{
			name:   "valid message",
			modify: func(m *Message) {},
		},
		{
			name:   "broadcast target",
			modify: func(m *Message) { m.Routing.ToStation = BroadcastStation },
		},
		{
			name:   "station-level control message",
			modify: func(m *Message) { m.Routing.FromNode = 0; m.Routing.ToNode = 0 },
		},
		{
			name:   "one hop",
			modify: func(m *Message) { m.AddHop("station-a") },
		},
		{
			name:        "empty version",
			modify:      func(m *Message) { m.Version = "" },
			wantErr:     true,
			errContains: "version",
		},
		{
			name:        "non-semver version",
			modify:      func(m *Message) { m.Version = "1.0" },
			wantErr:     true,
			errContains: "version",
		},
		{
			name:        "empty messageId",
			modify:      func(m *Message) { m.MessageID = "" },
			wantErr:     true,
			errContains: "messageId",
		},
		{
			name:        "zero timestamp",
			modify:      func(m *Message) { m.Timestamp = 0 },
			wantErr:     true,
			errContains: "timestamp",
		},
		{
			name:        "empty fromStation",
			modify:      func(m *Message) { m.Routing.FromStation = "" },
			wantErr:     true,
			errContains: "fromStation",
		},
		{
			name:        "short toStation",
			modify:      func(m *Message) { m.Routing.ToStation = "ab" },
			wantErr:     true,
			errContains: "toStation",
		},
		{
			name:        "negative fromNode",
			modify:      func(m *Message) { m.Routing.FromNode = -1 },
			wantErr:     true,
			errContains: "fromNode",
		},
		{
			name:        "negative toNode",
			modify:      func(m *Message) { m.Routing.ToNode = -2 },
			wantErr:     true,
			errContains: "toNode",
		},
		{
			name:        "nil hops",
			modify:      func(m *Message) { m.Routing.Hops = nil },
			wantErr:     true,
			errContains: "hops",
		},
		{
			name: "fromStation twice in hops",
			modify: func(m *Message) {
				m.Routing.Hops = []string{"station-a", "station-c", "station-a"}
			},
			wantErr:     true,
			errContains: "hops",
		},
		{
			name:        "empty hop entry",
			modify:      func(m *Message) { m.Routing.Hops = []string{""} },
			wantErr:     true,
			errContains: "hops[0]",
		},
		{
			name:        "unknown payload type",
			modify:      func(m *Message) { m.Payload.Type = "gossip" },
			wantErr:     true,
			errContains: "payload.type",
		},
		{
			name:        "priority below range",
			modify:      func(m *Message) { m.Delivery.Priority = -1 },
			wantErr:     true,
			errContains: "priority",
		},
		{
			name:        "priority above range",
			modify:      func(m *Message) { m.Delivery.Priority = 4 },
			wantErr:     true,
			errContains: "priority",
		},
		{
			name:        "zero ttl",
			modify:      func(m *Message) { m.Delivery.TTL = 0 },
			wantErr:     true,
			errContains: "ttl",
		},
		{
			name:        "negative retryCount",
			modify:      func(m *Message) { m.Delivery.RetryCount = -1 },
			wantErr:     true,
			errContains: "retryCount",
		},
		{
			name:        "retryCount above maxRetries",
			modify:      func(m *Message) { m.Delivery.RetryCount = 4 },
			wantErr:     true,
			errContains: "retryCount",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			tt.modify(m)
			err := m.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err.Error(), tt.errContains)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidStationID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   string
		want bool
	}{
		{"abc", true},
		{"station-1", true},
		{"A1B2C3", true},
		{"ALL", true},
		{"twenty-characters-xx", true},
		{"", false},
		{"ab", false},
		{"twenty-one-characters", false},
		{"-leading", false},
		{"trailing-", false},
		{"under_score", false},
		{"has space", false},
		{"dot.ted", false},
	}

	for _, tt := range tests {
		if got := ValidStationID(tt.id); got != tt.want {
			t.Errorf("ValidStationID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestAddHop(t *testing.T) {
	t.Parallel()

	m := NewMessage("station-a", "station-b", 0, 0, TypeHeartbeat, "")
	m.AddHop("station-a")
	m.AddHop("station-a")
	if len(m.Routing.Hops) != 1 {
		t.Errorf("hops = %v, want single entry", m.Routing.Hops)
	}
	m.AddHop("station-c")
	if len(m.Routing.Hops) != 2 {
		t.Errorf("hops = %v, want two entries", m.Routing.Hops)
	}
}
