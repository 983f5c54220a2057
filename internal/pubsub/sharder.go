package pubsub

import (
	"sort"

	"github.com/flex3r/dankchat-realtime/internal/constants"
	"github.com/flex3r/dankchat-realtime/internal/model"
)

// Plan is the result of sharding a set of new topics across connections.
type Plan struct {
	// Existing maps a connection id to the topics it should additionally
	// listen to.
	Existing map[int][]model.Topic
	// New holds topic batches for connections that must be created, one
	// batch per connection, each within the per-connection cap.
	New [][]model.Topic
	// Dropped holds topics that fit nowhere. They stay wanted but
	// unsubscribed until capacity frees up.
	Dropped []model.Topic
}

// Shard partitions newTopics across the given connections. Topics already
// assigned anywhere are skipped; existing connections are filled greedily
// up to MaxTopicsPerConnection in ascending id order; the overflow is
// batched onto at most MaxConnections-len(assigned) new connections.
// The function is pure: it only inspects its inputs.
func Shard(assigned map[int][]model.Topic, newTopics []model.Topic) Plan {
	plan := Plan{Existing: make(map[int][]model.Topic)}

	subscribed := make(map[model.Topic]struct{})
	for _, topics := range assigned {
		for _, t := range topics {
			subscribed[t] = struct{}{}
		}
	}

	var needsListen []model.Topic
	for _, t := range newTopics {
		if _, ok := subscribed[t]; ok {
			continue
		}
		subscribed[t] = struct{}{} // de-dupes within newTopics too
		needsListen = append(needsListen, t)
	}
	if len(needsListen) == 0 {
		return plan
	}

	ids := make([]int, 0, len(assigned))
	for id := range assigned {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	next := 0
	for _, id := range ids {
		free := constants.MaxTopicsPerConnection - len(assigned[id])
		if free <= 0 {
			continue
		}
		take := min(free, len(needsListen)-next)
		if take <= 0 {
			break
		}
		plan.Existing[id] = needsListen[next : next+take]
		next += take
	}

	room := constants.MaxConnections - len(assigned)
	for next < len(needsListen) && room > 0 {
		take := min(constants.MaxTopicsPerConnection, len(needsListen)-next)
		plan.New = append(plan.New, needsListen[next:next+take])
		next += take
		room--
	}

	plan.Dropped = needsListen[next:]
	return plan
}
