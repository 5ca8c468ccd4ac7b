package api

import (
	"context"
	"net/http"
)

// ListUsers fetches the user directory: every registered user except the
// authenticated caller.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := c.doEnvelope(ctx, http.MethodGet, "/user/users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}
