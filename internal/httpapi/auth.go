package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	scopeTreeRead  = "tree:read"
	scopeTreeWrite = "tree:write"
	tokenAudience  = "relaytree"
	tokenAlgorithm = "HS256"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

// tokenHeader and tokenPayload are the JOSE header and claim set, shared by
// IssueToken and parseBearer.
type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ,omitempty"`
}

type tokenPayload struct {
	WorkspaceID string      `json:"workspace_id"`
	AgentName   string      `json:"agent_name"`
	Scopes      scopeList   `json:"scopes"`
	Exp         json.Number `json:"exp"`
	Aud         string      `json:"aud"`
}

// scopeList accepts a JSON array or a space separated string.
type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return err
	}
	*s = strings.Fields(joined)
	return nil
}

func (s scopeList) set() map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for _, scope := range s {
		if scope = strings.TrimSpace(scope); scope != "" {
			out[scope] = struct{}{}
		}
	}
	return out
}

type tokenClaims struct {
	WorkspaceID string
	AgentName   string
	Scopes      map[string]struct{}
	Exp         int64
}

// authorizeBearer checks an HS256 bearer token for the workspace and scope.
// An empty workspaceID skips the workspace check.
func authorizeBearer(authHeader, jwtSecret, workspaceID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, authErr := parseBearer(authHeader, jwtSecret, now)
	if authErr != nil {
		return tokenClaims{}, authErr
	}
	if workspaceID != "" && claims.WorkspaceID != workspaceID {
		return tokenClaims{}, forbidden("workspace mismatch")
	}
	if requiredScope == "" {
		return claims, nil
	}
	if _, ok := claims.Scopes[requiredScope]; !ok {
		return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	segments := strings.Split(strings.TrimSpace(raw), ".")
	if len(segments) != 3 {
		return tokenClaims{}, unauthorized("invalid jwt format")
	}

	var header tokenHeader
	if err := decodeSegment(segments[0], &header); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	if header.Alg != tokenAlgorithm {
		return tokenClaims{}, unauthorized("unsupported jwt algorithm")
	}
	signature, err := base64.RawURLEncoding.DecodeString(segments[2])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt signature")
	}
	if !hmac.Equal(signature, signToken(jwtSecret, segments[0]+"."+segments[1])) {
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	}

	var payload tokenPayload
	if err := decodeSegment(segments[1], &payload); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	switch {
	case payload.WorkspaceID == "":
		return tokenClaims{}, unauthorized("missing workspace_id claim")
	case payload.AgentName == "":
		return tokenClaims{}, unauthorized("missing agent_name claim")
	case payload.Aud != tokenAudience:
		return tokenClaims{}, unauthorized("invalid aud claim")
	}
	exp, err := expiry(payload.Exp)
	if err != nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	scopes := payload.Scopes.set()
	if len(scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}
	return tokenClaims{
		WorkspaceID: payload.WorkspaceID,
		AgentName:   payload.AgentName,
		Scopes:      scopes,
		Exp:         exp,
	}, nil
}

// IssueToken mints an HS256 token for a workspace. Used by the CLI to hand
// tokens to local clients.
func IssueToken(jwtSecret, workspaceID, agentName string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	if jwtSecret == "" || workspaceID == "" || agentName == "" {
		return "", errors.New("secret, workspace and agent are required")
	}
	header, err := encodeSegment(tokenHeader{Alg: tokenAlgorithm, Typ: "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := encodeSegment(tokenPayload{
		WorkspaceID: workspaceID,
		AgentName:   agentName,
		Scopes:      scopes,
		Exp:         json.Number(strconv.FormatInt(now.Add(ttl).Unix(), 10)),
		Aud:         tokenAudience,
	})
	if err != nil {
		return "", err
	}
	unsigned := header + "." + payload
	return unsigned + "." + base64.RawURLEncoding.EncodeToString(signToken(jwtSecret, unsigned)), nil
}

func signToken(secret, unsigned string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(unsigned))
	return mac.Sum(nil)
}

func encodeSegment(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeSegment(segment string, v any) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// expiry accepts integral and float NumericDate values.
func expiry(n json.Number) (int64, error) {
	if n == "" {
		return 0, errors.New("missing exp")
	}
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("invalid exp")
	}
	return int64(f), nil
}
