package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/vrtx-crm/be-automation/internal/errors"
)

// DirectoryClient is an HTTP client for the user directory service. Approval
// resolution uses it to expand roles into user ids and to walk the manager
// chain.
type DirectoryClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewDirectoryClient creates a directory client for the given base URL.
func NewDirectoryClient(baseURL string) *DirectoryClient {
	return &DirectoryClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// UsersWithRole returns the ids of all active users holding a role.
func (c *DirectoryClient) UsersWithRole(ctx context.Context, role string) ([]string, error) {
	var resp struct {
		UserIDs []string `json:"user_ids"`
	}
	path := fmt.Sprintf("/api/v1/roles/%s/users", url.PathEscape(role))
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("failed to list users with role %s: %w", role, err)
	}
	return resp.UserIDs, nil
}

// ManagerOf returns the reporting manager of a user, or empty when the user
// has none.
func (c *DirectoryClient) ManagerOf(ctx context.Context, userID string) (string, error) {
	var resp struct {
		ManagerID string `json:"manager_id"`
	}
	path := fmt.Sprintf("/api/v1/users/%s/manager", url.PathEscape(userID))
	err := c.getJSON(ctx, path, &resp)
	if err != nil {
		if errors.Is(err, errors.ErrCodeNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to resolve manager of %s: %w", userID, err)
	}
	return resp.ManagerID, nil
}

func (c *DirectoryClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to build directory request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "directory request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errors.New(errors.ErrCodeNotFound, "directory resource not found")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.ErrCodeInternal, "directory returned status "+resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
