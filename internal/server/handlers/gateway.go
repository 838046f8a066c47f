package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/internal/credstore"
	apperrors "github.com/3leaps/nimbusgate/internal/errors"
	"github.com/3leaps/nimbusgate/internal/observability"
	"github.com/3leaps/nimbusgate/pkg/chunked"
	"github.com/3leaps/nimbusgate/pkg/gateway"
	"github.com/3leaps/nimbusgate/pkg/provider"
	"github.com/3leaps/nimbusgate/pkg/provider/factory"
	"github.com/3leaps/nimbusgate/pkg/stream"
)

// Defaults applied when GatewayConfig leaves a field zero.
const (
	DefaultShareExpiry = 7 * 24 * time.Hour

	// defaultFormMemory is how much of a multipart form is held in memory
	// before spilling to temporary files.
	defaultFormMemory = 32 << 20
)

// GatewayConfig wires the storage routes to their collaborators.
type GatewayConfig struct {
	Store       *credstore.Store
	Build       gateway.Builder
	Coordinator *chunked.Coordinator
	Streamer    *stream.Streamer
	Logger      *zap.Logger

	ShareDefaultExpiry time.Duration
	ShareMaxExpiry     time.Duration
	PreviewExpiry      time.Duration
	FormMemory         int64
}

// Gateway serves the file, folder and configuration routes. The credential
// store and provider cache are the only state shared between requests.
type Gateway struct {
	store       *credstore.Store
	cache       *gateway.Cache
	build       gateway.Builder
	coordinator *chunked.Coordinator
	streamer    *stream.Streamer
	logger      *zap.Logger

	shareDefault  time.Duration
	shareMax      time.Duration
	previewExpiry time.Duration
	formMemory    int64
}

// NewGateway fills unset collaborators with defaults: an in-memory store,
// the default provider factory, and default chunk and slice sizes.
func NewGateway(cfg GatewayConfig) *Gateway {
	g := &Gateway{
		store:         cfg.Store,
		build:         cfg.Build,
		coordinator:   cfg.Coordinator,
		streamer:      cfg.Streamer,
		logger:        cfg.Logger,
		shareDefault:  cfg.ShareDefaultExpiry,
		shareMax:      cfg.ShareMaxExpiry,
		previewExpiry: cfg.PreviewExpiry,
		formMemory:    cfg.FormMemory,
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if g.store == nil {
		g.store, _ = credstore.New("")
	}
	if g.build == nil {
		g.build = factory.Build
	}
	if g.coordinator == nil {
		g.coordinator = chunked.New(chunked.WithLogger(g.logger))
	}
	if g.streamer == nil {
		g.streamer = stream.New(
			stream.WithLogger(g.logger),
			stream.WithFetchHook(func(int64, int64) { observability.RecordRangeFetch() }),
		)
	}
	if g.shareDefault <= 0 {
		g.shareDefault = DefaultShareExpiry
	}
	if g.shareMax <= 0 {
		g.shareMax = DefaultShareExpiry
	}
	if g.shareDefault > g.shareMax {
		g.shareDefault = g.shareMax
	}
	if g.previewExpiry <= 0 {
		g.previewExpiry = gateway.DefaultPreviewExpiry
	}
	if g.formMemory <= 0 {
		g.formMemory = defaultFormMemory
	}
	g.cache = gateway.NewCache(g.build, g.logger)
	return g
}

// Routes registers the storage routes on r.
func (g *Gateway) Routes(r chi.Router) {
	r.Post("/configure", g.Configure)
	r.Get("/configure", g.GetConfiguration)
	r.Delete("/configure", g.DeleteConfiguration)

	r.Post("/upload", g.Upload)
	r.Post("/upload_chunk", g.UploadChunk)
	r.Get("/download/*", g.Download)
	r.Get("/list", g.List)
	r.Delete("/delete/*", g.Delete)
	r.Get("/share/*", g.Share)

	r.Post("/create_folder", g.CreateFolder)
	r.Delete("/delete_folder/*", g.DeleteFolder)

	r.Get("/uploads", g.ListUploads)
	r.Delete("/uploads/{uploadID}", g.AbortUpload)
}

// Provider leases the adapter for the active configuration, or returns
// apperrors.ErrNotConfigured. The caller must call release once it is done
// with the adapter, including any response body it streams.
func (g *Gateway) Provider(ctx context.Context) (p provider.Provider, release func(), err error) {
	cfg, err := g.store.Get()
	if errors.Is(err, credstore.ErrNotConfigured) {
		return nil, nil, apperrors.ErrNotConfigured
	}
	if err != nil {
		return nil, nil, err
	}
	return g.cache.Acquire(ctx, cfg)
}

// activeType returns the configured provider type for metrics labels.
func (g *Gateway) activeType() string {
	cfg, err := g.store.Get()
	if err != nil {
		return "none"
	}
	return string(cfg.Type)
}

// ProviderChecker reports unhealthy when a configured provider cannot be built.
// An unconfigured gateway is healthy.
func (g *Gateway) ProviderChecker() HealthChecker {
	return HealthCheckerFunc(func(ctx context.Context) error {
		if !g.store.Configured() {
			return nil
		}
		_, release, err := g.Provider(ctx)
		if err != nil {
			return err
		}
		release()
		return nil
	})
}

// Close releases the cached adapter.
func (g *Gateway) Close() error {
	return g.cache.Close()
}

func (g *Gateway) record(op string, err error) {
	observability.RecordProviderOperation(g.activeType(), op, err)
}

// wildcardKey returns the validated object key captured by a trailing "*"
// route segment. chi matches against RawPath when the request carries one,
// so only then is the captured segment still escaped.
func wildcardKey(r *http.Request) (string, error) {
	key := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(key)
		if err != nil {
			return "", apperrors.NewValidationError("key", "malformed key escape")
		}
		key = unescaped
	}
	return gateway.CleanKey(key)
}

func writeMessage(w http.ResponseWriter, message string, extra map[string]any) {
	body := map[string]any{"message": message}
	for k, v := range extra {
		body[k] = v
	}
	apperrors.WriteJSON(w, http.StatusOK, body)
}
