package replica

import (
	"context"
	"errors"

	"github.com/agentworkforce/relaytree/internal/remote"
	"github.com/agentworkforce/relaytree/internal/tree"
)

// Source is the remote side of the replica: cursor-paginated listings and
// per-topic event streams for one workspace.
type Source interface {
	RootCollections(ctx context.Context, workspaceID, cursor string) ([]remote.CollectionRecord, error)
	ChildCollections(ctx context.Context, collectionID, cursor string) ([]remote.CollectionRecord, error)
	Requests(ctx context.Context, collectionID, cursor string) ([]*tree.RequestLeaf, error)
	Subscribe(ctx context.Context, workspaceID string, topic remote.Topic) (EventStream, error)
}

// EventStream yields decoded events for one topic. Next returns an
// *EventError for a single bad event and any other error once the stream
// is dead.
type EventStream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Transport is the query/subscription client RemoteSource talks through.
type Transport interface {
	Query(ctx context.Context, document string, variables map[string]any, out any) error
	Subscribe(ctx context.Context, document string, variables map[string]any) (*remote.Subscription, error)
}

// RemoteSource implements Source over the backend's query endpoint.
type RemoteSource struct {
	transport  Transport
	translator remote.Translator
	validator  *remote.PayloadValidator
}

// NewRemoteSource wires a transport with request translation and event
// payload validation. A nil translator uses remote.RequestTranslator.
func NewRemoteSource(transport Transport, translator remote.Translator) (*RemoteSource, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if translator == nil {
		translator = remote.RequestTranslator{}
	}
	validator, err := remote.NewPayloadValidator()
	if err != nil {
		return nil, err
	}
	return &RemoteSource{
		transport:  transport,
		translator: translator,
		validator:  validator,
	}, nil
}

func (s *RemoteSource) RootCollections(ctx context.Context, workspaceID, cursor string) ([]remote.CollectionRecord, error) {
	var out struct {
		Items []remote.CollectionRecord `json:"rootCollectionsOfTeam"`
	}
	err := s.transport.Query(ctx, remote.RootCollectionsDocument, pageVariables("teamID", workspaceID, cursor), &out)
	if err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (s *RemoteSource) ChildCollections(ctx context.Context, collectionID, cursor string) ([]remote.CollectionRecord, error) {
	var out struct {
		Items []remote.CollectionRecord `json:"collectionChildren"`
	}
	err := s.transport.Query(ctx, remote.CollectionChildrenDocument, pageVariables("collectionID", collectionID, cursor), &out)
	if err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (s *RemoteSource) Requests(ctx context.Context, collectionID, cursor string) ([]*tree.RequestLeaf, error) {
	var out struct {
		Items []remote.RequestRecord `json:"requestsInCollection"`
	}
	err := s.transport.Query(ctx, remote.CollectionRequestsDocument, pageVariables("collectionID", collectionID, cursor), &out)
	if err != nil {
		return nil, err
	}
	leaves := make([]*tree.RequestLeaf, 0, len(out.Items))
	for _, rec := range out.Items {
		leaf, err := toLeaf(rec, s.translator)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, leaf)
	}
	return leaves, nil
}

func (s *RemoteSource) Subscribe(ctx context.Context, workspaceID string, topic remote.Topic) (EventStream, error) {
	sub, err := s.transport.Subscribe(ctx, topic.Document(), map[string]any{"teamID": workspaceID})
	if err != nil {
		return nil, err
	}
	return &remoteStream{topic: topic, sub: sub, source: s}, nil
}

func pageVariables(key, id, cursor string) map[string]any {
	vars := map[string]any{key: id}
	if cursor != "" {
		vars["cursor"] = cursor
	}
	return vars
}

type remoteStream struct {
	topic  remote.Topic
	sub    *remote.Subscription
	source *RemoteSource
}

func (s *remoteStream) Next(ctx context.Context) (Event, error) {
	data, err := s.sub.Next(ctx)
	if err != nil {
		if remote.IsStreamError(err) {
			return Event{}, err
		}
		return Event{}, &EventError{Topic: s.topic, Err: err}
	}
	if err := s.source.validator.Validate(s.topic, data); err != nil {
		return Event{}, &EventError{Topic: s.topic, Err: err}
	}
	ev, err := decodeEvent(s.topic, data, s.source.translator)
	if err != nil {
		return Event{}, &EventError{Topic: s.topic, Err: err}
	}
	return ev, nil
}

func (s *remoteStream) Close() error {
	return s.sub.Close()
}
