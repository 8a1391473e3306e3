// Package store provides read access to the namespace routing records
// persisted in PostgreSQL, fronted by an in-process expiring cache.
package store

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/infermux/infermux/internal/common/config"
	"github.com/infermux/infermux/internal/common/database"
	apperrors "github.com/infermux/infermux/internal/common/errors"
	"github.com/infermux/infermux/internal/common/logger"
)

// Client is one routing record from the clients table, with the model names
// aggregated from the models table.
type Client struct {
	ID         int32
	Type       string
	Namespace  string
	APIBase    string
	APIKeys    []string
	ModelNames []string
	Public     bool
}

// HasModel reports whether the record lists the given model name.
func (c *Client) HasModel(name string) bool {
	for _, m := range c.ModelNames {
		if m == name {
			return true
		}
	}
	return false
}

const clientColumns = `
		c.id,
		c.type,
		c.namespace,
		c.api_base,
		c.api_key,
		array_remove(array_agg(m.name) FILTER (WHERE m.name IS NOT NULL), NULL) AS model_names,
		c.public`

// Store reads client routing records, caching lookups by namespace.
type Store struct {
	db     *database.DB
	cache  *lru.LRU[string, *Client]
	logger *logger.Logger
}

// New creates a Store over the given database connection. Cache sizing and
// TTL come from the database configuration section.
func New(db *database.DB, cfg config.DatabaseConfig, log *logger.Logger) *Store {
	return &Store{
		db:     db,
		cache:  lru.NewLRU[string, *Client](cfg.CacheSize, nil, cfg.CacheTTLDuration()),
		logger: log.WithFields(zap.String("component", "store")),
	}
}

// GetClientByNamespace returns the routing record for a namespace, or a
// not found error when no such record exists. Results are cached.
func (s *Store) GetClientByNamespace(ctx context.Context, namespace string) (*Client, error) {
	if client, ok := s.cache.Get(namespace); ok {
		return client, nil
	}

	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM clients c
		LEFT JOIN models m ON c.id = m.client_id
		WHERE c.namespace = $1
		GROUP BY c.id, c.type, c.namespace, c.api_base, c.api_key, c.public`,
		clientColumns), namespace)
	if err != nil {
		return nil, apperrors.InternalError("failed to query client", err)
	}
	defer rows.Close()

	clients, err := scanClients(rows)
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, apperrors.NotFound(fmt.Sprintf("invalid namespace: %s", namespace))
	}

	client := clients[0]
	s.cache.Add(client.Namespace, client)
	return client, nil
}

// GetPublicClients returns all records flagged public, ordered by id.
func (s *Store) GetPublicClients(ctx context.Context) ([]*Client, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM clients c
		LEFT JOIN models m ON c.id = m.client_id
		WHERE c.public = true
		GROUP BY c.id, c.type, c.namespace, c.api_base, c.api_key, c.public
		ORDER BY c.id`,
		clientColumns))
	if err != nil {
		return nil, apperrors.InternalError("failed to query public clients", err)
	}
	defer rows.Close()

	return scanClients(rows)
}

// WarmUp preloads the cache with all public clients.
func (s *Store) WarmUp(ctx context.Context) error {
	clients, err := s.GetPublicClients(ctx)
	if err != nil {
		return err
	}
	for _, client := range clients {
		s.cache.Add(client.Namespace, client)
	}
	s.logger.Info("cache warm-up complete", zap.Int("public_clients", len(clients)))
	return nil
}

// Invalidate drops the cached record for a namespace.
func (s *Store) Invalidate(namespace string) {
	s.cache.Remove(namespace)
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanClients(rows pgxRows) ([]*Client, error) {
	var clients []*Client
	for rows.Next() {
		var (
			c       Client
			apiBase *string
		)
		if err := rows.Scan(&c.ID, &c.Type, &c.Namespace, &apiBase, &c.APIKeys, &c.ModelNames, &c.Public); err != nil {
			return nil, apperrors.InternalError("failed to scan client row", err)
		}
		if apiBase != nil {
			c.APIBase = *apiBase
		}
		clients = append(clients, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.InternalError("failed to read client rows", err)
	}
	return clients, nil
}
