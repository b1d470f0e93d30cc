package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
)

// ConnectionConfig holds the settings for the primary connection and any
// read replicas. Replicas are optional; when none are configured all reads
// go to the primary.
type ConnectionConfig struct {
	PrimaryURL      string
	ReplicaURLs     []string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ConnectionStats snapshots pool statistics for the primary and each replica.
type ConnectionStats struct {
	Primary  sql.DBStats
	Replicas []sql.DBStats
}

// ConnectionManager owns the primary connection pool and a set of read
// replica pools. Replica selection is round-robin. Permission resolution and
// anything else that must observe its own writes reads from the primary;
// replicas serve read-only reporting paths.
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	config   ConnectionConfig
	counter  uint64
	mu       sync.RWMutex
}

// NewConnectionManager opens the primary pool and each replica pool and
// verifies connectivity before returning. A replica that fails to connect is
// skipped with a warning rather than failing startup; the primary failing is
// fatal.
func NewConnectionManager(config ConnectionConfig) (*ConnectionManager, error) {
	if config.PrimaryURL == "" {
		return nil, fmt.Errorf("primary database URL is required")
	}

	primary, err := openPool(config.PrimaryURL, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary database: %w", err)
	}

	cm := &ConnectionManager{
		primary: primary,
		config:  config,
	}

	for i, url := range config.ReplicaURLs {
		replica, err := openPool(url, config)
		if err != nil {
			fmt.Printf("Warning: failed to connect to replica %d: %v\n", i, err)
			continue
		}
		cm.replicas = append(cm.replicas, replica)
	}

	return cm, nil
}

func openPool(url string, config ConnectionConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Primary returns the read-write connection pool.
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns the next read replica in round-robin order, or the primary
// when no replicas are configured.
func (cm *ConnectionManager) Replica() *sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if len(cm.replicas) == 0 {
		return cm.primary
	}

	idx := atomic.AddUint64(&cm.counter, 1) % uint64(len(cm.replicas))
	return cm.replicas[idx]
}

// HealthCheck pings the primary and every replica. The primary failing is an
// error. Individual replica failures are tolerated, but every configured
// replica being down is reported as an error so operators notice before the
// primary absorbs the full read load.
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if err := cm.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary database unhealthy: %w", err)
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if len(cm.replicas) == 0 {
		return nil
	}

	healthy := 0
	for i, replica := range cm.replicas {
		if err := replica.PingContext(ctx); err != nil {
			fmt.Printf("Warning: replica %d unhealthy: %v\n", i, err)
			continue
		}
		healthy++
	}

	if healthy == 0 {
		return fmt.Errorf("all replicas unhealthy")
	}

	return nil
}

// RemoveUnhealthyReplicas drops replicas that fail a ping so the round-robin
// stops routing reads to them. Returns the number of replicas removed.
func (cm *ConnectionManager) RemoveUnhealthyReplicas(ctx context.Context) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	removed := 0
	healthy := cm.replicas[:0]
	for i, replica := range cm.replicas {
		if err := replica.PingContext(ctx); err != nil {
			fmt.Printf("Removing unhealthy replica %d: %v\n", i, err)
			replica.Close()
			removed++
			continue
		}
		healthy = append(healthy, replica)
	}
	cm.replicas = healthy

	return removed
}

// StartHealthCheckRoutine periodically removes unhealthy replicas until the
// context is cancelled. A non-positive interval defaults to 30 seconds.
func (cm *ConnectionManager) StartHealthCheckRoutine(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cm.RemoveUnhealthyReplicas(ctx)
			}
		}
	}()
}

// Stats reports pool statistics for the primary and each replica.
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{
		Primary: cm.primary.Stats(),
	}
	for _, replica := range cm.replicas {
		stats.Replicas = append(stats.Replicas, replica.Stats())
	}
	return stats
}

// Close closes the primary and all replica pools.
func (cm *ConnectionManager) Close() error {
	var errs []error

	if err := cm.primary.Close(); err != nil {
		errs = append(errs, err)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, replica := range cm.replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	cm.replicas = nil

	if len(errs) > 0 {
		return fmt.Errorf("connection close errors: %v", errs)
	}
	return nil
}

// ParseReplicaURLs splits a comma-separated list of replica URLs, dropping
// empty entries.
func ParseReplicaURLs(raw string) []string {
	if raw == "" {
		return nil
	}

	urls := []string{}
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			urls = append(urls, trimmed)
		}
	}
	return urls
}
