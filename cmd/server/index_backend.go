package main

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"headlesshost.io/internal/config"
	"headlesshost.io/internal/persistence/indexdb"
	"headlesshost.io/internal/persistence/mirror"
)

// openIndex returns the configured read-model backend, or nil when indexing
// is off. The index never affects what the server relays.
func openIndex(cfg config.Config, worldDir string, logger *log.Logger) (indexdb.Index, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.IndexBackend)) {
	case "none", "off", "disabled", "":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(worldDir, "index", "world.sqlite"))
	case "http":
		return indexdb.OpenHTTP(indexdb.HTTPConfig{
			Endpoint:      cfg.IndexHTTPURL,
			Token:         cfg.IndexHTTPToken,
			WorldID:       cfg.WorldID,
			BatchSize:     128,
			FlushInterval: 500 * time.Millisecond,
			Logger:        logger,
		})
	default:
		return nil, fmt.Errorf("unsupported index_backend: %s", cfg.IndexBackend)
	}
}

// openMirror returns nil unless mirror_endpoint is configured.
func openMirror(cfg config.Config, logger *log.Logger) (*mirror.Mirror, error) {
	if strings.TrimSpace(cfg.MirrorEndpoint) == "" {
		return nil, nil
	}
	c, err := mirror.NewClient(cfg.MirrorEndpoint, cfg.MirrorBucket, cfg.MirrorAccessKey, cfg.MirrorSecretKey)
	if err != nil {
		return nil, err
	}
	return mirror.New(c, mirror.Config{
		BaseDir: cfg.DataDir,
		Prefix:  cfg.MirrorPrefix,
		Workers: cfg.MirrorWorkers,
	}, logger), nil
}
