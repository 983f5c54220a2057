package pubsub

import (
	"fmt"
	"testing"

	"github.com/flex3r/dankchat-realtime/internal/constants"
	"github.com/flex3r/dankchat-realtime/internal/model"
)

func makeTopics(n int) []model.Topic {
	topics := make([]model.Topic, 0, n)
	for i := range n {
		topics = append(topics, model.NewPointRedemptionTopic(fmt.Sprintf("%d", i), fmt.Sprintf("chan%d", i)))
	}
	return topics
}

func TestShardFillsExistingFirst(t *testing.T) {
	assigned := map[int][]model.Topic{
		0: makeTopics(48),
	}
	fresh := []model.Topic{
		model.NewWhisperTopic("u1"),
		model.NewModeratorActionTopic("u1", "c1"),
		model.NewModeratorActionTopic("u1", "c2"),
	}

	plan := Shard(assigned, fresh)

	if got := len(plan.Existing[0]); got != 2 {
		t.Fatalf("existing conn got %d topics, want 2", got)
	}
	if len(plan.New) != 1 || len(plan.New[0]) != 1 {
		t.Fatalf("overflow batches = %v, want one batch with one topic", plan.New)
	}
	if len(plan.Dropped) != 0 {
		t.Errorf("dropped = %v, want none", plan.Dropped)
	}
}

func TestShardSkipsAlreadySubscribed(t *testing.T) {
	whisper := model.NewWhisperTopic("u1")
	assigned := map[int][]model.Topic{0: {whisper}}

	plan := Shard(assigned, []model.Topic{whisper, whisper})

	if len(plan.Existing) != 0 || len(plan.New) != 0 || len(plan.Dropped) != 0 {
		t.Errorf("re-sharding a subscribed topic produced work: %+v", plan)
	}
}

func TestShardRespectsCapacityBounds(t *testing.T) {
	maxTotal := constants.MaxConnections * constants.MaxTopicsPerConnection

	for _, total := range []int{1, 49, 50, 51, 499, maxTotal, maxTotal + 37} {
		plan := Shard(map[int][]model.Topic{}, makeTopics(total))

		if len(plan.New) > constants.MaxConnections {
			t.Fatalf("total=%d: %d new connections, cap %d", total, len(plan.New), constants.MaxConnections)
		}
		placed := 0
		for _, batch := range plan.New {
			if len(batch) > constants.MaxTopicsPerConnection {
				t.Fatalf("total=%d: batch of %d exceeds per-connection cap", total, len(batch))
			}
			placed += len(batch)
		}

		wantDropped := max(0, total-maxTotal)
		if len(plan.Dropped) != wantDropped {
			t.Errorf("total=%d: dropped %d, want %d", total, len(plan.Dropped), wantDropped)
		}
		if placed+len(plan.Dropped) != total {
			t.Errorf("total=%d: placed %d + dropped %d != total", total, placed, len(plan.Dropped))
		}
	}
}

func TestShardNoNewConnectionsWhenAtLimit(t *testing.T) {
	assigned := make(map[int][]model.Topic, constants.MaxConnections)
	for id := range constants.MaxConnections {
		assigned[id] = makeTopics(constants.MaxTopicsPerConnection)
	}

	plan := Shard(assigned, []model.Topic{model.NewWhisperTopic("overflow")})

	if len(plan.New) != 0 || len(plan.Existing) != 0 {
		t.Fatalf("full pool still produced placements: %+v", plan)
	}
	if len(plan.Dropped) != 1 {
		t.Errorf("dropped %d topics, want 1", len(plan.Dropped))
	}
}
