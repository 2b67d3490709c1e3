package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/content-mirror/internal/cms"
	"github.com/stacklok/content-mirror/internal/cms/mocks"
	"github.com/stacklok/content-mirror/internal/config"
)

var publishedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func articleType() cms.ContentType {
	return cms.ContentType{
		ID:           "article",
		Name:         "Article",
		DisplayField: "title",
		Fields: []cms.FieldDefinition{
			{ID: "title", Name: "Title", Type: cms.FieldSymbol},
			{ID: "publishAt", Name: "Publish at", Type: cms.FieldDate},
			{ID: "unpublishAt", Name: "Unpublish at", Type: cms.FieldDate},
		},
	}
}

func article(id string, revision int64) *cms.Entry {
	return &cms.Entry{
		Sys: cms.Sys{
			ID: id, Type: "Entry", ContentTypeID: "article", Revision: revision,
			CreatedAt: publishedAt, UpdatedAt: publishedAt, PublishedAt: &publishedAt,
		},
		Fields: map[string]map[string]any{
			"title":     {"en-US": "Hello " + id},
			"publishAt": {"en-US": "2024-01-01T00:00:00Z"},
		},
	}
}

// createTestConfig creates a minimal valid config with polling disabled
func createTestConfig(delivery config.ContentDelivery) *config.Config {
	return &config.Config{
		CMS:             config.CMSConfig{Space: "space", AccessToken: "token"},
		ContentDelivery: delivery,
		Webhook:         config.WebhookConfig{Username: "hook", Password: "s3cret"},
		Sync:            config.SyncConfig{Interval: "0"},
	}
}

func TestBaseConfigDefaults(t *testing.T) {
	t.Parallel()

	built, err := baseConfig(WithConfig(createTestConfig(config.DeliveryEagerSync)))
	require.NoError(t, err)
	require.NotNil(t, built)
	assert.Equal(t, defaultHTTPAddress, built.address)
	assert.Equal(t, defaultRequestTimeout, built.requestTimeout)
	assert.Nil(t, built.tracer())
}

func TestBaseConfigOptionError(t *testing.T) {
	t.Parallel()

	built, err := baseConfig(
		WithConfig(createTestConfig(config.DeliveryEagerSync)),
		WithAddress(""),
	)
	require.Error(t, err)
	assert.Nil(t, built)
}

func TestWithAddress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		address string
		want    string
		wantErr bool
	}{
		{name: "valid address", address: ":9999", want: ":9999"},
		{name: "valid address with host", address: "127.0.0.1:9999", want: "127.0.0.1:9999"},
		{name: "valid address with host and port", address: "localhost:9999", want: "localhost:9999"},
		{name: "invalid empty address", address: "", wantErr: true},
		{name: "invalid empty port", address: ":", wantErr: true},
		{name: "invalid missing port", address: "localhost", wantErr: true},
		{name: "invalid address with host and port", address: "localhost:999999", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &mirrorAppConfig{}
			err := WithAddress(tt.address)(cfg)

			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.address)
		})
	}
}

func TestWithMiddlewares(t *testing.T) {
	t.Parallel()

	var called bool
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			next.ServeHTTP(w, r)
		})
	}

	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	client.EXPECT().ListContentTypes(gomock.Any(), gomock.Any()).Return([]cms.ContentType{articleType()}, nil)

	app, err := NewMirrorApp(context.Background(),
		WithConfig(createTestConfig(config.DeliveryLazySync)),
		WithCMSClient(client),
		WithMiddlewares(mw),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Stop(time.Second) })

	rr := httptest.NewRecorder()
	app.GetHTTPServer().Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, called)
}

func TestBuildClients(t *testing.T) {
	t.Parallel()

	cfg := createTestConfig(config.DeliveryDirect)
	b := &mirrorAppConfig{config: cfg}
	buildClients(b)
	assert.NotNil(t, b.client)
	assert.Nil(t, b.previewClient, "no preview client without a preview token")

	cfg.CMS.PreviewToken = "preview"
	b = &mirrorAppConfig{config: cfg}
	buildClients(b)
	assert.NotNil(t, b.previewClient)

	ctrl := gomock.NewController(t)
	injected := mocks.NewMockClient(ctrl)
	b = &mirrorAppConfig{config: cfg, client: injected}
	buildClients(b)
	assert.Same(t, injected, b.client)
}

func TestBuildPipelineStages(t *testing.T) {
	t.Parallel()

	enabled, disabled := true, false
	tests := []struct {
		name       string
		middleware config.MiddlewareConfig
		want       []string
	}{
		{name: "defaults", want: []string{"publishWindow", "publishedOnly"}},
		{
			name: "all stages",
			middleware: config.MiddlewareConfig{
				PublishWindow: &config.PublishWindowConfig{Enabled: true},
				Locale:        &enabled,
			},
			want: []string{"publishWindow", "publishedOnly", "locale"},
		},
		{
			name: "none",
			middleware: config.MiddlewareConfig{
				PublishWindow: &config.PublishWindowConfig{Enabled: false},
				PublishedOnly: &disabled,
			},
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := createTestConfig(config.DeliveryEagerSync)
			cfg.Middleware = tt.middleware
			pipeline := buildPipeline(nil, cfg)
			assert.Equal(t, tt.want, pipeline.Stages())
		})
	}
}

func TestNewMirrorApp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		cfg            func(t *testing.T) *config.Config
		setup          func(client *mocks.MockClient)
		wantErr        string
		wantEngine     bool
		wantWebhook    bool
		wantSyncStatus bool
	}{
		{
			name:    "nil config",
			cfg:     func(*testing.T) *config.Config { return nil },
			setup:   func(*mocks.MockClient) {},
			wantErr: "config cannot be nil",
		},
		{
			name: "content types cannot be listed",
			cfg:  func(*testing.T) *config.Config { return createTestConfig(config.DeliveryEagerSync) },
			setup: func(client *mocks.MockClient) {
				client.EXPECT().ListContentTypes(gomock.Any(), gomock.Any()).Return(nil, errors.New("cms down"))
			},
			wantErr: "failed to load content types",
		},
		{
			name: "eager sync in memory",
			cfg:  func(*testing.T) *config.Config { return createTestConfig(config.DeliveryEagerSync) },
			setup: func(client *mocks.MockClient) {
				client.EXPECT().ListContentTypes(gomock.Any(), gomock.Any()).Return([]cms.ContentType{articleType()}, nil)
			},
			wantEngine:     true,
			wantWebhook:    true,
			wantSyncStatus: true,
		},
		{
			name: "lazy sync on sqlite",
			cfg: func(t *testing.T) *config.Config {
				t.Helper()
				cfg := createTestConfig(config.DeliveryLazySync)
				cfg.SyncStore = config.SyncStoreDurable
				cfg.Database = &config.DatabaseConfig{
					Driver: config.DatabaseDriverSQLite,
					Path:   filepath.Join(t.TempDir(), "mirror.db"),
				}
				return cfg
			},
			setup: func(client *mocks.MockClient) {
				client.EXPECT().ListContentTypes(gomock.Any(), gomock.Any()).Return([]cms.ContentType{articleType()}, nil)
			},
			wantEngine:     true,
			wantWebhook:    true,
			wantSyncStatus: true,
		},
		{
			name: "direct delivery without cache has no webhook",
			cfg:  func(*testing.T) *config.Config { return createTestConfig(config.DeliveryDirect) },
			setup: func(client *mocks.MockClient) {
				client.EXPECT().ListContentTypes(gomock.Any(), gomock.Any()).Return([]cms.ContentType{articleType()}, nil)
			},
		},
		{
			name: "webhook disabled without credentials",
			cfg: func(*testing.T) *config.Config {
				cfg := createTestConfig(config.DeliveryEagerSync)
				cfg.Webhook = config.WebhookConfig{}
				return cfg
			},
			setup: func(client *mocks.MockClient) {
				client.EXPECT().ListContentTypes(gomock.Any(), gomock.Any()).Return([]cms.ContentType{articleType()}, nil)
			},
			wantEngine:     true,
			wantSyncStatus: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			client := mocks.NewMockClient(ctrl)
			tt.setup(client)

			app, err := NewMirrorApp(context.Background(),
				WithConfig(tt.cfg(t)),
				WithCMSClient(client),
				WithAddress("127.0.0.1:0"),
			)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			t.Cleanup(func() { _ = app.Stop(time.Second) })

			c := app.Components()
			assert.Equal(t, tt.wantEngine, c.Engine != nil)
			assert.Equal(t, tt.wantEngine, c.Dispatcher != nil)
			assert.Equal(t, tt.wantEngine, c.SyncCoordinator != nil)
			require.NotNil(t, c.Schema)
			require.NotNil(t, c.Registry)
			assert.Equal(t, 1, c.Registry.Load().Len())

			handler := app.GetHTTPServer().Handler
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/cms", nil))
			if tt.wantWebhook {
				assert.Equal(t, http.StatusUnauthorized, rr.Code)
			} else {
				assert.Equal(t, http.StatusNotFound, rr.Code)
			}

			res := c.Schema.Execute(context.Background(), `{ _syncStatus { state } }`, nil, "")
			assert.Equal(t, tt.wantSyncStatus, len(res.Errors) == 0, res.Errors)
		})
	}
}
