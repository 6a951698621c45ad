package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

type CreateCollectionInput struct {
	Title    string `json:"title"`
	ParentID string `json:"parentID,omitempty"`
}

type CreateRequestInput struct {
	Title   string `json:"title"`
	Request string `json:"request"`
}

// UpdateRequestInput changes a stored request. Nil fields are untouched.
type UpdateRequestInput struct {
	Title   *string `json:"title,omitempty"`
	Request *string `json:"request,omitempty"`
}

func (c *Client) CreateCollection(ctx context.Context, workspaceID string, in CreateCollectionInput) (CollectionRecord, error) {
	var out CollectionRecord
	err := c.doJSON(ctx, http.MethodPost, workspacePath(workspaceID, "collections"), in, &out)
	return out, err
}

func (c *Client) RenameCollection(ctx context.Context, workspaceID, collectionID, title string) (CollectionRecord, error) {
	var out CollectionRecord
	err := c.doJSON(ctx, http.MethodPatch, workspacePath(workspaceID, "collections", collectionID), map[string]string{"title": title}, &out)
	return out, err
}

func (c *Client) DeleteCollection(ctx context.Context, workspaceID, collectionID string) error {
	return c.doJSON(ctx, http.MethodDelete, workspacePath(workspaceID, "collections", collectionID), nil, nil)
}

func (c *Client) CreateRequest(ctx context.Context, workspaceID, collectionID string, in CreateRequestInput) (RequestRecord, error) {
	var out RequestRecord
	err := c.doJSON(ctx, http.MethodPost, workspacePath(workspaceID, "collections", collectionID, "requests"), in, &out)
	return out, err
}

func (c *Client) UpdateRequest(ctx context.Context, workspaceID, requestID string, in UpdateRequestInput) (RequestRecord, error) {
	var out RequestRecord
	err := c.doJSON(ctx, http.MethodPatch, workspacePath(workspaceID, "requests", requestID), in, &out)
	return out, err
}

func (c *Client) DeleteRequest(ctx context.Context, workspaceID, requestID string) error {
	return c.doJSON(ctx, http.MethodDelete, workspacePath(workspaceID, "requests", requestID), nil, nil)
}

func workspacePath(workspaceID string, segments ...string) string {
	path := fmt.Sprintf("/v1/workspaces/%s", url.PathEscape(workspaceID))
	for _, segment := range segments {
		path += "/" + url.PathEscape(segment)
	}
	return path
}
