package remote

import (
	"encoding/json"
	"regexp"
)

const (
	RootCollectionsDocument = `query RootCollectionsOfTeam($teamID: ID!, $cursor: ID) {
  rootCollectionsOfTeam(teamID: $teamID, cursor: $cursor) { id title }
}`
	CollectionChildrenDocument = `query GetCollectionChildren($collectionID: ID!, $cursor: ID) {
  collectionChildren(collectionID: $collectionID, cursor: $cursor) { id title }
}`
	CollectionRequestsDocument = `query GetCollectionRequests($collectionID: ID!, $cursor: ID) {
  requestsInCollection(collectionID: $collectionID, cursor: $cursor) { id title collectionID request }
}`
)

type Topic string

const (
	TopicCollectionAdded   Topic = "collection.added"
	TopicCollectionUpdated Topic = "collection.updated"
	TopicCollectionRemoved Topic = "collection.removed"
	TopicRequestAdded      Topic = "request.added"
	TopicRequestUpdated    Topic = "request.updated"
	TopicRequestDeleted    Topic = "request.deleted"
)

// Topics lists the six workspace event streams in attach order.
var Topics = []Topic{
	TopicCollectionAdded,
	TopicCollectionUpdated,
	TopicCollectionRemoved,
	TopicRequestAdded,
	TopicRequestUpdated,
	TopicRequestDeleted,
}

var topicFields = map[Topic]string{
	TopicCollectionAdded:   "teamCollectionAdded",
	TopicCollectionUpdated: "teamCollectionUpdated",
	TopicCollectionRemoved: "teamCollectionRemoved",
	TopicRequestAdded:      "teamRequestAdded",
	TopicRequestUpdated:    "teamRequestUpdated",
	TopicRequestDeleted:    "teamRequestDeleted",
}

var topicOperations = map[Topic]string{
	TopicCollectionAdded:   "TeamCollectionAdded",
	TopicCollectionUpdated: "TeamCollectionUpdated",
	TopicCollectionRemoved: "TeamCollectionRemoved",
	TopicRequestAdded:      "TeamRequestAdded",
	TopicRequestUpdated:    "TeamRequestUpdated",
	TopicRequestDeleted:    "TeamRequestDeleted",
}

// Field is the name of the data field carrying the event payload.
func (t Topic) Field() string {
	return topicFields[t]
}

// Document is the subscription document for the topic.
func (t Topic) Document() string {
	op, ok := topicOperations[t]
	if !ok {
		return ""
	}
	return "subscription " + op + "($teamID: ID!) {\n  " + t.Field() + "(teamID: $teamID)\n}"
}

// TopicForOperation maps a subscription operation name back to its topic.
func TopicForOperation(operation string) (Topic, bool) {
	for topic, op := range topicOperations {
		if op == operation {
			return topic, true
		}
	}
	return "", false
}

var operationPattern = regexp.MustCompile(`^\s*(query|mutation|subscription)\s+([A-Za-z_][A-Za-z0-9_]*)`)

// OperationName extracts the kind and name of a named document.
func OperationName(document string) (kind, name string, ok bool) {
	m := operationPattern.FindStringSubmatch(document)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// Operation is the body of a query call and the first frame of a
// subscription.
type Operation struct {
	Document  string         `json:"document"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Envelope is a query response or a subscription frame.
type Envelope struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []GraphMessage  `json:"errors,omitempty"`
}

type GraphMessage struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// CollectionRecord is a collection as listed by the backend.
type CollectionRecord struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	ParentID *string `json:"parentID,omitempty"`
}

// RequestRecord is a stored request as listed by the backend. Request holds
// the stored JSON, still to be translated.
type RequestRecord struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	CollectionID string `json:"collectionID"`
	Request      string `json:"request"`
}

// CollectionUpdate is the payload of a collection.updated event.
type CollectionUpdate struct {
	ID    string  `json:"id"`
	Title *string `json:"title,omitempty"`
}

// RequestUpdate is the payload of a request.updated event.
type RequestUpdate struct {
	ID           string  `json:"id"`
	Title        *string `json:"title,omitempty"`
	CollectionID string  `json:"collectionID,omitempty"`
	Request      *string `json:"request,omitempty"`
}
