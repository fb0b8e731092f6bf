package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ManagementClient reads queue state from the RabbitMQ management API.
type ManagementClient struct {
	BaseURL  string
	User     string
	Password string
	VHost    string
	HTTP     *http.Client
}

func NewManagementClient(baseURL, user, password, vhost string) *ManagementClient {
	if vhost == "" {
		vhost = "/"
	}
	return &ManagementClient{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		User:     user,
		Password: password,
		VHost:    vhost,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Queues implements Inspector via GET /api/queues/<vhost>.
func (c *ManagementClient) Queues(ctx context.Context) ([]LiveQueue, error) {
	u := c.BaseURL + "/api/queues/" + url.PathEscape(c.VHost)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.User, c.Password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("management api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("management api: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var queues []LiveQueue
	if err := json.NewDecoder(resp.Body).Decode(&queues); err != nil {
		return nil, fmt.Errorf("management api: decode queues: %w", err)
	}
	return queues, nil
}
