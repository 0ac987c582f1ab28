package topic

import (
	"testing"

	"github.com/pyr33x/goqtt/internal/packet"
)

func drain(t *Tree, pub *packet.PublishPacket) []Message {
	ch := make(chan Message, 64)
	t.Publish(pub, ch)
	close(ch)
	var out []Message
	for m := range ch {
		out = append(out, m)
	}
	return out
}

func TestTree_ExactMatch(t *testing.T) {
	tr := New()
	tr.Subscribe("alice", []packet.SubscribeFilter{{Topic: "device/gear-001/state", QoS: packet.QoSAtMostOnce}})

	msgs := drain(tr, &packet.PublishPacket{Topic: "device/gear-001/state", Payload: []byte("x")})
	if len(msgs) != 1 || msgs[0].ClientID != "alice" {
		t.Fatalf("expected alice to match exact topic, got %+v", msgs)
	}

	msgs = drain(tr, &packet.PublishPacket{Topic: "device/gear-002/state", Payload: []byte("x")})
	if len(msgs) != 0 {
		t.Fatalf("expected no match for different topic, got %+v", msgs)
	}
}

func TestTree_SingleLevelWildcard(t *testing.T) {
	tr := New()
	tr.Subscribe("alice", []packet.SubscribeFilter{{Topic: "device/+/state", QoS: packet.QoSAtMostOnce}})

	cases := []struct {
		topic   string
		matches bool
	}{
		{"device/gear-001/state", true},
		{"device/gear-002/state", true},
		{"device/state", false},
		{"device/a/b/state", false},
		{"other/gear-001/state", false},
	}
	for _, c := range cases {
		msgs := drain(tr, &packet.PublishPacket{Topic: c.topic, Payload: []byte("x")})
		if (len(msgs) > 0) != c.matches {
			t.Errorf("topic %q: expected matches=%v, got %d matches", c.topic, c.matches, len(msgs))
		}
	}
}

func TestTree_MultiLevelWildcard(t *testing.T) {
	tr := New()
	tr.Subscribe("alice", []packet.SubscribeFilter{{Topic: "device/#", QoS: packet.QoSAtMostOnce}})

	cases := []struct {
		topic   string
		matches bool
	}{
		{"device/gear-001", true},
		{"device/gear-001/state", true},
		{"device/a/b/c/d/e", true},
		{"other/gear-001", false},
	}
	for _, c := range cases {
		msgs := drain(tr, &packet.PublishPacket{Topic: c.topic, Payload: []byte("x")})
		if (len(msgs) > 0) != c.matches {
			t.Errorf("topic %q: expected matches=%v, got %d matches", c.topic, c.matches, len(msgs))
		}
	}
}

func TestTree_DollarTopicsExcludedFromRootWildcards(t *testing.T) {
	tr := New()
	tr.Subscribe("alice", []packet.SubscribeFilter{{Topic: "#", QoS: packet.QoSAtMostOnce}})
	tr.Subscribe("bob", []packet.SubscribeFilter{{Topic: "+/status", QoS: packet.QoSAtMostOnce}})

	msgs := drain(tr, &packet.PublishPacket{Topic: "$SYS/broker/uptime", Payload: []byte("x")})
	if len(msgs) != 0 {
		t.Fatalf("expected $-prefixed topic to be excluded from root wildcards, got %+v", msgs)
	}

	// But an explicit $SYS/# filter still works below root.
	tr.Subscribe("carol", []packet.SubscribeFilter{{Topic: "$SYS/#", QoS: packet.QoSAtMostOnce}})
	msgs = drain(tr, &packet.PublishPacket{Topic: "$SYS/broker/uptime", Payload: []byte("x")})
	if len(msgs) != 1 || msgs[0].ClientID != "carol" {
		t.Fatalf("expected carol to match $SYS/#, got %+v", msgs)
	}
}

func TestTree_QoSDowngradedToGranted(t *testing.T) {
	tr := New()
	tr.Subscribe("alice", []packet.SubscribeFilter{{Topic: "a/b", QoS: packet.QoSAtMostOnce}})

	msgs := drain(tr, &packet.PublishPacket{Topic: "a/b", Payload: []byte("x"), QoS: packet.QoSAtLeastOnce})
	if len(msgs) != 1 || msgs[0].Packet.QoS != packet.QoSAtMostOnce {
		t.Fatalf("expected downgrade to granted qos 0, got %+v", msgs)
	}
}

func TestTree_RetainedReplayOnSubscribe(t *testing.T) {
	tr := New()
	drain(tr, &packet.PublishPacket{Topic: "a/b", Payload: []byte("hello"), Retain: true, QoS: packet.QoSAtLeastOnce})

	deliveries := tr.Subscribe("alice", []packet.SubscribeFilter{{Topic: "a/+", QoS: packet.QoSAtMostOnce}})
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 retained delivery, got %d", len(deliveries))
	}
	if string(deliveries[0].Packet.Payload) != "hello" {
		t.Errorf("unexpected retained payload %q", deliveries[0].Packet.Payload)
	}
	if deliveries[0].Packet.QoS != packet.QoSAtMostOnce {
		t.Errorf("expected retained delivery downgraded to granted qos, got %v", deliveries[0].Packet.QoS)
	}
}

func TestTree_EmptyPayloadClearsRetained(t *testing.T) {
	tr := New()
	drain(tr, &packet.PublishPacket{Topic: "a/b", Payload: []byte("hello"), Retain: true})
	drain(tr, &packet.PublishPacket{Topic: "a/b", Payload: nil, Retain: true})

	if tr.RetainedCount() != 0 {
		t.Fatalf("expected retained message to be cleared, count=%d", tr.RetainedCount())
	}
}

func TestTree_UnsubscribeStopsDelivery(t *testing.T) {
	tr := New()
	tr.Subscribe("alice", []packet.SubscribeFilter{{Topic: "a/b", QoS: packet.QoSAtMostOnce}})
	tr.Unsubscribe("alice", []string{"a/b"})

	msgs := drain(tr, &packet.PublishPacket{Topic: "a/b", Payload: []byte("x")})
	if len(msgs) != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %+v", msgs)
	}
}

func TestTree_RemoveClientPrunesAllSubscriptions(t *testing.T) {
	tr := New()
	tr.Subscribe("alice", []packet.SubscribeFilter{
		{Topic: "a/b", QoS: packet.QoSAtMostOnce},
		{Topic: "c/d/#", QoS: packet.QoSAtLeastOnce},
	})
	tr.RemoveClient("alice")

	if len(drain(tr, &packet.PublishPacket{Topic: "a/b", Payload: []byte("x")})) != 0 {
		t.Error("expected alice removed from a/b")
	}
	if len(drain(tr, &packet.PublishPacket{Topic: "c/d/e", Payload: []byte("x")})) != 0 {
		t.Error("expected alice removed from c/d/#")
	}
	if tr.root.children["a"] != nil || tr.root.children["c"] != nil {
		t.Error("expected empty subtrees pruned after removing last subscriber")
	}
}

func TestTree_MultiLevelWildcardMustMatchZeroLevels(t *testing.T) {
	tr := New()
	tr.Subscribe("alice", []packet.SubscribeFilter{{Topic: "a/#", QoS: packet.QoSAtMostOnce}})

	msgs := drain(tr, &packet.PublishPacket{Topic: "a", Payload: []byte("x")})
	if len(msgs) != 1 {
		t.Fatalf("expected a/# to match topic 'a' itself, got %+v", msgs)
	}
}
