package remote

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/relaytree/internal/tree"
)

const canonicalRequestVersion = "1"

var ErrInvalidRequest = errors.New("invalid stored request")

// Translator turns a stored request payload into the canonical document.
type Translator interface {
	ToCanonicalRequest(stored string) (tree.RequestDocument, error)
}

// RequestTranslator understands the current stored shape and the legacy
// one that used "url" and "name" instead of "endpoint".
type RequestTranslator struct{}

type storedRequest struct {
	V          json.RawMessage `json:"v"`
	Name       string          `json:"name"`
	Method     string          `json:"method"`
	Endpoint   string          `json:"endpoint"`
	URL        string          `json:"url"`
	Path       string          `json:"path"`
	Headers    []tree.KeyValue `json:"headers"`
	Params     []tree.KeyValue `json:"params"`
	Body       *tree.Body      `json:"body"`
	RawBody    string          `json:"rawParams"`
	AuthType   string          `json:"authType"`
	AuthActive *bool           `json:"authActive"`
	Auth       *tree.Auth      `json:"auth"`
}

func (RequestTranslator) ToCanonicalRequest(stored string) (tree.RequestDocument, error) {
	trimmed := bytes.TrimSpace([]byte(stored))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return tree.RequestDocument{}, ErrInvalidRequest
	}
	var in storedRequest
	if err := json.Unmarshal(trimmed, &in); err != nil {
		return tree.RequestDocument{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	doc := tree.RequestDocument{
		V:        canonicalRequestVersion,
		Name:     strings.TrimSpace(in.Name),
		Method:   strings.ToUpper(strings.TrimSpace(in.Method)),
		Endpoint: strings.TrimSpace(in.Endpoint),
		Headers:  in.Headers,
		Params:   in.Params,
	}
	if doc.Method == "" {
		doc.Method = "GET"
	}
	if doc.Endpoint == "" {
		doc.Endpoint = strings.TrimSpace(in.URL) + strings.TrimSpace(in.Path)
	}
	if doc.Headers == nil {
		doc.Headers = []tree.KeyValue{}
	}
	if doc.Params == nil {
		doc.Params = []tree.KeyValue{}
	}
	switch {
	case in.Body != nil:
		doc.Body = *in.Body
	case in.RawBody != "":
		doc.Body = tree.Body{ContentType: "application/json", Body: in.RawBody}
	}
	switch {
	case in.Auth != nil:
		doc.Auth = *in.Auth
	case in.AuthType != "":
		doc.Auth = tree.Auth{Type: in.AuthType, Active: in.AuthActive == nil || *in.AuthActive}
	default:
		doc.Auth = tree.Auth{Type: "none", Active: true}
	}
	return doc, nil
}
