package helpers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/onsi/gomega"

	mirror "github.com/stacklok/content-mirror/internal/app"
	"github.com/stacklok/content-mirror/internal/config"
)

const (
	// WebhookUser and WebhookPassword are the credentials written to test configs
	WebhookUser     = "hook"
	WebhookPassword = "s3cret"
)

// ServerTestHelper manages a content mirror running in-process
type ServerTestHelper struct {
	ctx        context.Context
	configPath string
	baseURL    string
	address    string
	httpClient *http.Client
	app        *mirror.MirrorApp
	done       chan error
}

// NewServerTestHelper prepares a mirror for the given config file on a free port
func NewServerTestHelper(ctx context.Context, configPath string) (*ServerTestHelper, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to find a free port: %w", err)
	}
	address := listener.Addr().String()
	if err := listener.Close(); err != nil {
		return nil, err
	}

	return &ServerTestHelper{
		ctx:        ctx,
		configPath: configPath,
		address:    address,
		baseURL:    "http://" + address,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// StartServer builds the mirror from its config file and starts it
func (s *ServerTestHelper) StartServer() error {
	cfg, err := config.LoadConfig(config.WithConfigPath(s.configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	app, err := mirror.NewMirrorApp(s.ctx, mirror.WithConfig(cfg), mirror.WithAddress(s.address))
	if err != nil {
		return fmt.Errorf("failed to build app: %w", err)
	}
	s.app = app
	s.done = make(chan error, 1)

	go func() {
		err := app.Start()
		if err != nil {
			// The test fails when it tries to connect
			fmt.Fprintf(os.Stderr, "Server start failed: %v\n", err)
		}
		s.done <- err
	}()
	return nil
}

// StopServer gracefully stops the mirror and waits for it to exit
func (s *ServerTestHelper) StopServer() error {
	if s.app == nil {
		return nil
	}
	if err := s.app.Stop(5 * time.Second); err != nil {
		return err
	}
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("server did not exit")
	}
	s.app = nil
	return nil
}

// App returns the running mirror
func (s *ServerTestHelper) App() *mirror.MirrorApp {
	return s.app
}

// WaitForServerReady waits until /readiness reports ready
func (s *ServerTestHelper) WaitForServerReady(timeout time.Duration) {
	gomega.Eventually(func() error {
		resp, err := s.httpClient.Get(s.baseURL + "/readiness")
		if err != nil {
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		return nil
	}, timeout, 50*time.Millisecond).Should(gomega.Succeed(), "Server should be ready")
}

// EntryIDs lists the ids served for a content type through the REST API
func (s *ServerTestHelper) EntryIDs(contentType string) ([]string, error) {
	resp, err := s.httpClient.Get(fmt.Sprintf("%s/api/v1/content-types/%s/entries", s.baseURL, contentType))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list returned status %d", resp.StatusCode)
	}

	var body struct {
		Items []struct {
			Sys struct {
				ID string `json:"id"`
			} `json:"sys"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(body.Items))
	for _, item := range body.Items {
		ids = append(ids, item.Sys.ID)
	}
	return ids, nil
}

// GetEntry makes a GET request to /api/v1/entries/{id}
func (s *ServerTestHelper) GetEntry(id string) (*http.Response, error) {
	return s.httpClient.Get(fmt.Sprintf("%s/api/v1/entries/%s", s.baseURL, id))
}

// PostWebhook delivers a webhook with the configured credentials
func (s *ServerTestHelper) PostWebhook(topic, body string) (int, error) {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.baseURL+"/webhooks/cms", strings.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.SetBasicAuth(WebhookUser, WebhookPassword)
	req.Header.Set("Content-Type", "application/vnd.contentful.management.v1+json")
	req.Header.Set("X-Contentful-Topic", topic)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// GraphQL posts a query and returns the decoded response
func (s *ServerTestHelper) GraphQL(query string) (map[string]any, error) {
	payload, err := json.Marshal(map[string]any{"query": query})
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Post(s.baseURL+"/graphql", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// ConfigOptions tweak the generated configuration
type ConfigOptions struct {
	Delivery     string
	SQLitePath   string
	SyncInterval string
}

// WriteConfigYAML writes a configuration file pointing at the fake CMS
func WriteConfigYAML(dir, cmsURL string, opts ConfigOptions) string {
	interval := opts.SyncInterval
	if interval == "" {
		interval = "0"
	}

	var b strings.Builder
	fmt.Fprintf(&b, `cms:
  space: space1
  accessToken: delivery-token
  baseURL: %s
  timeout: 2s
contentDelivery: %s
webhook:
  username: %s
  password: %s
sync:
  interval: %s
  maxAttempts: 2
  initialBackoff: 10ms
  maxBackoff: 50ms
`, cmsURL, opts.Delivery, WebhookUser, WebhookPassword, interval)

	if opts.SQLitePath != "" {
		fmt.Fprintf(&b, `syncStore: durable
database:
  driver: sqlite
  path: %s
`, opts.SQLitePath)
	}

	path := filepath.Join(dir, "config.yaml")
	gomega.Expect(os.WriteFile(path, []byte(b.String()), 0600)).To(gomega.Succeed())
	return path
}
