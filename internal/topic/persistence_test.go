package topic

import (
	"testing"

	"github.com/pyr33x/goqtt/internal/packet"
)

func TestTree_SnapshotRestoreRoundTrip(t *testing.T) {
	tr := New()
	tr.Subscribe("alice", []packet.SubscribeFilter{{Topic: "device/a/state", QoS: packet.QoSAtLeastOnce}})
	tr.Publish(&packet.PublishPacket{Topic: "device/a/state", Payload: []byte("on"), Retain: true, QoS: packet.QoSAtMostOnce}, make(chan Message, 4))

	retained, subs := tr.Snapshot()
	if len(retained) != 1 || retained[0].Topic != "device/a/state" {
		t.Fatalf("expected one retained snapshot entry, got %+v", retained)
	}
	if len(subs) != 1 || subs[0].ClientID != "alice" {
		t.Fatalf("expected one subscription snapshot entry, got %+v", subs)
	}

	restored := New()
	restored.Restore(retained, subs)

	if restored.RetainedCount() != 1 {
		t.Fatalf("expected restored tree to carry the retained message")
	}

	msgs := drain(restored, &packet.PublishPacket{Topic: "device/a/state", Payload: []byte("off"), QoS: packet.QoSAtMostOnce})
	if len(msgs) != 1 || msgs[0].ClientID != "alice" {
		t.Fatalf("expected restored subscription to receive fresh publishes, got %+v", msgs)
	}
}
