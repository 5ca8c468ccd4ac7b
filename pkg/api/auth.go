package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Credentials is a signed-in identity: the bearer token plus the user record
// the backend associated with it.
type Credentials struct {
	Token string
	User  User
}

// authResponse is the shape of the auth endpoints, which predate the uniform
// envelope and return their fields at the top level.
type authResponse struct {
	Message string `json:"message"`
	User    *User  `json:"user"`
	Token   string `json:"token"`
	Error   string `json:"error"`
}

// SignUp registers a new account and returns its credentials.
func (c *Client) SignUp(ctx context.Context, email, password, displayName string) (*Credentials, error) {
	body := map[string]string{
		"email":       email,
		"password":    password,
		"displayName": displayName,
	}
	return c.doAuth(ctx, "/auth/register", body)
}

// SignIn exchanges an email and password for credentials.
func (c *Client) SignIn(ctx context.Context, email, password string) (*Credentials, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}
	return c.doAuth(ctx, "/auth/login", body)
}

// VerifyToken asks the backend whether the token is still valid and returns
// the user it belongs to. An invalid or expired token yields *AuthError.
func (c *Client) VerifyToken(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, &AuthError{Reason: "no token to verify"}
	}
	resp, err := c.postJSON(ctx, "/auth/verify", token, map[string]string{"token": token})
	if err != nil {
		return nil, err
	}
	if resp.User == nil {
		return nil, &AuthError{Reason: nonEmpty(resp.Error, "token rejected")}
	}
	return resp.User, nil
}

// doAuth performs an unauthenticated auth-endpoint request and converts the
// response into Credentials.
func (c *Client) doAuth(ctx context.Context, path string, body any) (*Credentials, error) {
	resp, err := c.postJSON(ctx, path, "", body)
	if err != nil {
		return nil, err
	}
	if resp.Token == "" || resp.User == nil {
		return nil, &AuthError{Reason: nonEmpty(resp.Error, "backend returned no credentials")}
	}
	return &Credentials{Token: resp.Token, User: *resp.User}, nil
}

func (c *Client) postJSON(ctx context.Context, path, token string, body any) (*authResponse, error) {
	op := http.MethodPost + " " + path

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("api: encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	var resp authResponse
	if looksLikeJSON(respBody) {
		_ = json.Unmarshal(respBody, &resp)
	}

	switch {
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Reason: nonEmpty(resp.Error, nonEmpty(resp.Message, "credentials rejected"))}
	case httpResp.StatusCode < 200 || httpResp.StatusCode >= 300:
		return nil, &TransportError{Op: op, StatusCode: httpResp.StatusCode, Message: nonEmpty(resp.Error, nonEmpty(resp.Message, string(respBody)))}
	}
	return &resp, nil
}
