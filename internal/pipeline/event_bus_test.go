package pipeline

import (
	"context"
	"testing"
)

func TestEventBusDelivery(t *testing.T) {
	bus := NewEventBus()

	var all, emergency []string
	unsubAll := bus.Subscribe(DetectionResultHandlerFunc(func(ctx context.Context, r *DetectionResult) {
		all = append(all, r.ID)
	}))
	bus.SubscribeClass(VehicleClassEmergency, DetectionResultHandlerFunc(func(ctx context.Context, r *DetectionResult) {
		emergency = append(emergency, r.ID)
	}))
	ch, unsubCh := bus.SubscribeChannel(1)

	bus.Publish(context.Background(), &DetectionResult{ID: "r1", Class: VehicleClassRegular})
	bus.Publish(context.Background(), &DetectionResult{ID: "e1", Class: VehicleClassEmergency})
	bus.Publish(context.Background(), nil)

	if len(all) != 2 || len(emergency) != 1 || emergency[0] != "e1" {
		t.Errorf("unexpected delivery all=%v emergency=%v", all, emergency)
	}

	// Buffer of 1: the second result is dropped rather than blocking
	if got := <-ch; got.ID != "r1" {
		t.Errorf("expected r1 on channel, got %s", got.ID)
	}

	unsubAll()
	unsubCh()
	unsubCh()
	if bus.SubscriberCount() != 1 {
		t.Errorf("expected 1 subscriber left, got %d", bus.SubscriberCount())
	}

	bus.Close()
	if bus.SubscriberCount() != 0 {
		t.Error("expected no subscribers after Close")
	}
}

func TestClassFromLabel(t *testing.T) {
	tests := []struct {
		label    string
		expected VehicleClass
	}{
		{"Emergency Vehicle", VehicleClassEmergency},
		{"Regular Vehicle", VehicleClassRegular},
		{"No vehicle detected", VehicleClassRegular},
		{"", VehicleClassRegular},
	}
	for _, tt := range tests {
		if got := ClassFromLabel(tt.label); got != tt.expected {
			t.Errorf("ClassFromLabel(%q) = %s, expected %s", tt.label, got, tt.expected)
		}
	}
}
