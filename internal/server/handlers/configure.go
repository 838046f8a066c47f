package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/nimbusgate/internal/errors"
	"github.com/3leaps/nimbusgate/pkg/provider"
)

// ConfigurationResponse describes the active configuration without secrets.
type ConfigurationResponse struct {
	Configured   bool              `json:"configured"`
	ProviderType string            `json:"provider_type,omitempty"`
	Bucket       string            `json:"bucket,omitempty"`
	Credentials  map[string]string `json:"credentials,omitempty"`
}

// Configure validates the submitted credentials, builds the adapter, proves it
// works with a listing, then makes it the active configuration. A failure at
// any step leaves the previous configuration in place.
func (g *Gateway) Configure(w http.ResponseWriter, r *http.Request) {
	cfg, err := g.parseConfig(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	ctx := r.Context()
	p, err := g.build(ctx, cfg)
	g.record("Build", err)
	if err != nil {
		g.logger.Warn("Provider configuration rejected",
			zap.String("provider", string(cfg.Type)),
			zap.Error(err))
		respondWithError(w, r, err)
		return
	}

	_, err = p.ListFiles(ctx, "")
	g.record("ListFiles", err)
	if err != nil {
		_ = p.Close()
		g.logger.Warn("Provider connection test failed",
			zap.String("provider", string(cfg.Type)),
			zap.String("bucket", cfg.Bucket()),
			zap.Error(err))
		respondWithError(w, r, err)
		return
	}

	if err := g.store.Set(cfg); err != nil {
		_ = p.Close()
		respondWithError(w, r, err)
		return
	}
	g.cache.Put(cfg, p)

	g.logger.Info("Provider configured",
		zap.String("provider", string(cfg.Type)),
		zap.String("bucket", cfg.Bucket()))
	writeMessage(w, "Configuration updated successfully", map[string]any{
		"provider_type": string(cfg.Type),
		"bucket":        cfg.Bucket(),
	})
}

// GetConfiguration reports the active provider type and bucket.
func (g *Gateway) GetConfiguration(w http.ResponseWriter, r *http.Request) {
	cfg, err := g.store.Get()
	if err != nil {
		apperrors.WriteJSON(w, http.StatusOK, ConfigurationResponse{Configured: false})
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, ConfigurationResponse{
		Configured:   true,
		ProviderType: string(cfg.Type),
		Bucket:       cfg.Bucket(),
		Credentials:  cfg.Redacted(),
	})
}

// DeleteConfiguration forgets the active configuration.
func (g *Gateway) DeleteConfiguration(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Clear(); err != nil {
		respondWithError(w, r, err)
		return
	}
	g.cache.Invalidate()
	g.logger.Info("Provider configuration cleared")
	writeMessage(w, "Configuration cleared", nil)
}

// parseConfig accepts a JSON object or a form. Credential fields may be given
// flat next to provider_type or nested under "credentials".
func (g *Gateway) parseConfig(r *http.Request) (provider.Config, error) {
	fields := map[string]string{}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			if maxErr := new(http.MaxBytesError); errors.As(err, &maxErr) {
				return provider.Config{}, err
			}
			return provider.Config{}, apperrors.NewValidationError("", "request body must be a JSON object")
		}
		for k, v := range raw {
			if k == "credentials" {
				if nested, ok := v.(map[string]any); ok {
					for nk, nv := range nested {
						s, err := stringValue(nv)
						if err != nil {
							return provider.Config{}, apperrors.NewValidationError(nk, err.Error())
						}
						fields[nk] = s
					}
					continue
				}
			}
			s, err := stringValue(v)
			if err != nil {
				return provider.Config{}, apperrors.NewValidationError(k, err.Error())
			}
			fields[k] = s
		}
	} else {
		if err := r.ParseMultipartForm(g.formMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return provider.Config{}, apperrors.NewValidationError("", "malformed form body")
		}
		if r.MultipartForm != nil {
			defer func() { _ = r.MultipartForm.RemoveAll() }()
		}
		for k := range r.Form {
			fields[k] = r.Form.Get(k)
		}
	}

	t := provider.ProviderType(strings.ToLower(strings.TrimSpace(fields["provider_type"])))
	delete(fields, "provider_type")
	if t == "" {
		return provider.Config{}, apperrors.NewValidationError("provider_type", "provider_type is required")
	}

	creds := make(map[string]string, len(fields))
	for k, v := range fields {
		creds[k] = strings.TrimSpace(v)
	}
	return provider.Config{Type: t, Credentials: creds}, nil
}

// stringValue flattens a JSON value into a credential string. A service
// account document may be submitted as an embedded object.
func stringValue(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(b), nil
	case float64, bool:
		return fmt.Sprint(val), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}
