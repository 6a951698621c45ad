package replica

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentworkforce/relaytree/internal/remote"
	"github.com/agentworkforce/relaytree/internal/tree"
)

// ErrMalformedEvent marks a push event that could not be decoded. Only the
// one event is lost; its stream keeps running.
var ErrMalformedEvent = errors.New("malformed event")

// EventError wraps a failure to decode or validate a single push event.
type EventError struct {
	Topic remote.Topic
	Err   error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("%s event: %v", e.Topic, e.Err)
}

func (e *EventError) Unwrap() error {
	return e.Err
}

func (e *EventError) Is(target error) bool {
	return target == ErrMalformedEvent
}

// Event is a decoded push notification. Which fields are set depends on
// Topic.
type Event struct {
	Topic remote.Topic

	// collection.added
	Collection *tree.CollectionNode
	ParentID   string

	// collection.updated
	CollectionPatch tree.CollectionPatch

	// request.added
	Request *tree.RequestLeaf

	// request.updated
	RequestPatch tree.RequestPatch

	// collection.removed and request.deleted
	ID string
}

// decodeEvent turns a subscription data object into an Event.
func decodeEvent(topic remote.Topic, data json.RawMessage, translator remote.Translator) (Event, error) {
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return Event{}, err
	}
	payload, ok := frame[topic.Field()]
	if !ok {
		return Event{}, fmt.Errorf("missing %s field", topic.Field())
	}

	ev := Event{Topic: topic}
	switch topic {
	case remote.TopicCollectionAdded:
		var rec remote.CollectionRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return Event{}, err
		}
		ev.Collection = tree.NewCollection(rec.ID, rec.Title)
		if rec.ParentID != nil {
			ev.ParentID = *rec.ParentID
		}
	case remote.TopicCollectionUpdated:
		var up remote.CollectionUpdate
		if err := json.Unmarshal(payload, &up); err != nil {
			return Event{}, err
		}
		ev.CollectionPatch = tree.CollectionPatch{ID: up.ID, Title: up.Title}
	case remote.TopicRequestAdded:
		var rec remote.RequestRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return Event{}, err
		}
		leaf, err := toLeaf(rec, translator)
		if err != nil {
			return Event{}, err
		}
		ev.Request = leaf
	case remote.TopicRequestUpdated:
		var up remote.RequestUpdate
		if err := json.Unmarshal(payload, &up); err != nil {
			return Event{}, err
		}
		ev.RequestPatch = tree.RequestPatch{ID: up.ID, Title: up.Title}
		if up.Request != nil {
			doc, err := translator.ToCanonicalRequest(*up.Request)
			if err != nil {
				return Event{}, err
			}
			ev.RequestPatch.Request = &doc
		}
	case remote.TopicCollectionRemoved, remote.TopicRequestDeleted:
		if err := json.Unmarshal(payload, &ev.ID); err != nil {
			return Event{}, err
		}
	default:
		return Event{}, fmt.Errorf("unknown topic %q", topic)
	}
	return ev, nil
}

func toLeaf(rec remote.RequestRecord, translator remote.Translator) (*tree.RequestLeaf, error) {
	doc, err := translator.ToCanonicalRequest(rec.Request)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", rec.ID, err)
	}
	return &tree.RequestLeaf{
		ID:           rec.ID,
		Title:        rec.Title,
		CollectionID: rec.CollectionID,
		Request:      doc,
	}, nil
}
