package remote

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://schemas.relaytree.dev/events/"

const collectionSchema = `{
  "type": "object",
  "required": ["id", "title"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "title": {"type": "string"},
    "parentID": {"type": ["string", "null"]}
  }
}`

const collectionUpdateSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "title": {"type": "string"}
  }
}`

const requestSchema = `{
  "type": "object",
  "required": ["id", "title", "collectionID", "request"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "title": {"type": "string"},
    "collectionID": {"type": "string", "minLength": 1},
    "request": {"type": "string"}
  }
}`

const requestUpdateSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "title": {"type": "string"},
    "collectionID": {"type": "string"},
    "request": {"type": "string"}
  }
}`

const removedSchema = `{"type": "string", "minLength": 1}`

var topicPayloadSchemas = map[Topic]string{
	TopicCollectionAdded:   collectionSchema,
	TopicCollectionUpdated: collectionUpdateSchema,
	TopicCollectionRemoved: removedSchema,
	TopicRequestAdded:      requestSchema,
	TopicRequestUpdated:    requestUpdateSchema,
	TopicRequestDeleted:    removedSchema,
}

// PayloadValidator checks subscription frames against the shape each topic
// promises before they are decoded.
type PayloadValidator struct {
	schemas map[Topic]*jsonschema.Schema
}

func NewPayloadValidator() (*PayloadValidator, error) {
	compiler := jsonschema.NewCompiler()
	for _, topic := range Topics {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchema(topic)))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", topic, err)
		}
		if err := compiler.AddResource(schemaURL(topic), doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", topic, err)
		}
	}
	schemas := make(map[Topic]*jsonschema.Schema, len(Topics))
	for _, topic := range Topics {
		sch, err := compiler.Compile(schemaURL(topic))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", topic, err)
		}
		schemas[topic] = sch
	}
	return &PayloadValidator{schemas: schemas}, nil
}

// Validate checks a subscription data object for the topic.
func (v *PayloadValidator) Validate(topic Topic, data []byte) error {
	sch, ok := v.schemas[topic]
	if !ok {
		return fmt.Errorf("no schema for topic %s", topic)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}

func schemaURL(topic Topic) string {
	return schemaBaseURL + string(topic) + ".json"
}

// frameSchema wraps the payload schema in the data object of a frame.
func frameSchema(topic Topic) string {
	return `{"type": "object", "required": ["` + topic.Field() + `"], "properties": {"` +
		topic.Field() + `": ` + topicPayloadSchemas[topic] + `}}`
}
