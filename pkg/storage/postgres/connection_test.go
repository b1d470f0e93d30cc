package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReplicaURLs(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: nil,
		},
		{
			name:     "single URL",
			input:    "postgres://localhost:5432/db",
			expected: []string{"postgres://localhost:5432/db"},
		},
		{
			name:  "multiple URLs",
			input: "postgres://host1:5432/db,postgres://host2:5432/db",
			expected: []string{
				"postgres://host1:5432/db",
				"postgres://host2:5432/db",
			},
		},
		{
			name:  "URLs with whitespace",
			input: " postgres://host1:5432/db , postgres://host2:5432/db ",
			expected: []string{
				"postgres://host1:5432/db",
				"postgres://host2:5432/db",
			},
		},
		{
			name:     "empty entries dropped",
			input:    "postgres://host1:5432/db,,postgres://host2:5432/db,",
			expected: []string{"postgres://host1:5432/db", "postgres://host2:5432/db"},
		},
		{
			name:     "only commas and whitespace",
			input:    " , , , ",
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseReplicaURLs(tt.input))
		})
	}
}

func TestNewConnectionManager_RequiresPrimary(t *testing.T) {
	cm, err := NewConnectionManager(ConnectionConfig{})
	assert.Error(t, err)
	assert.Nil(t, cm)
	assert.Contains(t, err.Error(), "primary database URL is required")
}

func TestConnectionManager_Replica(t *testing.T) {
	t.Run("no replicas falls back to primary", func(t *testing.T) {
		primaryDB := &sql.DB{}
		cm := &ConnectionManager{primary: primaryDB}

		assert.Equal(t, primaryDB, cm.Replica())
	})

	t.Run("round-robin across replicas", func(t *testing.T) {
		replica1 := &sql.DB{}
		replica2 := &sql.DB{}
		replica3 := &sql.DB{}

		cm := &ConnectionManager{
			primary:  &sql.DB{},
			replicas: []*sql.DB{replica1, replica2, replica3},
		}

		selections := make(map[*sql.DB]int)
		for i := 0; i < 30; i++ {
			selections[cm.Replica()]++
		}

		assert.Equal(t, 10, selections[replica1])
		assert.Equal(t, 10, selections[replica2])
		assert.Equal(t, 10, selections[replica3])
	})

	t.Run("concurrent selection stays within replica set", func(t *testing.T) {
		replica1 := &sql.DB{}
		replica2 := &sql.DB{}

		cm := &ConnectionManager{
			primary:  &sql.DB{},
			replicas: []*sql.DB{replica1, replica2},
		}

		var wg sync.WaitGroup
		results := make(chan *sql.DB, 100)
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- cm.Replica()
			}()
		}
		wg.Wait()
		close(results)

		selections := make(map[*sql.DB]int)
		for replica := range results {
			selections[replica]++
		}
		assert.Equal(t, 100, selections[replica1]+selections[replica2])
	})
}

func TestConnectionManager_HealthCheck(t *testing.T) {
	t.Run("healthy primary and replicas", func(t *testing.T) {
		primaryDB, primaryMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer primaryDB.Close()

		replicaDB, replicaMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer replicaDB.Close()

		primaryMock.ExpectPing()
		replicaMock.ExpectPing()

		cm := &ConnectionManager{
			primary:  primaryDB,
			replicas: []*sql.DB{replicaDB},
		}

		assert.NoError(t, cm.HealthCheck(context.Background()))
		assert.NoError(t, primaryMock.ExpectationsWereMet())
		assert.NoError(t, replicaMock.ExpectationsWereMet())
	})

	t.Run("unhealthy primary fails", func(t *testing.T) {
		primaryDB, primaryMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer primaryDB.Close()

		primaryMock.ExpectPing().WillReturnError(errors.New("connection refused"))

		cm := &ConnectionManager{primary: primaryDB}

		err = cm.HealthCheck(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "primary database unhealthy")
	})

	t.Run("one replica down is tolerated", func(t *testing.T) {
		primaryDB, primaryMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer primaryDB.Close()

		replica1DB, replica1Mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer replica1DB.Close()

		replica2DB, replica2Mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer replica2DB.Close()

		primaryMock.ExpectPing()
		replica1Mock.ExpectPing()
		replica2Mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		cm := &ConnectionManager{
			primary:  primaryDB,
			replicas: []*sql.DB{replica1DB, replica2DB},
		}

		assert.NoError(t, cm.HealthCheck(context.Background()))
	})

	t.Run("all replicas down fails", func(t *testing.T) {
		primaryDB, primaryMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer primaryDB.Close()

		replicaDB, replicaMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer replicaDB.Close()

		primaryMock.ExpectPing()
		replicaMock.ExpectPing().WillReturnError(errors.New("connection refused"))

		cm := &ConnectionManager{
			primary:  primaryDB,
			replicas: []*sql.DB{replicaDB},
		}

		err = cm.HealthCheck(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "all replicas unhealthy")
	})
}

func TestConnectionManager_RemoveUnhealthyReplicas(t *testing.T) {
	t.Run("healthy replicas stay", func(t *testing.T) {
		replicaDB, replicaMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer replicaDB.Close()

		replicaMock.ExpectPing()

		cm := &ConnectionManager{
			primary:  &sql.DB{},
			replicas: []*sql.DB{replicaDB},
		}

		removed := cm.RemoveUnhealthyReplicas(context.Background())
		assert.Equal(t, 0, removed)
		assert.Len(t, cm.replicas, 1)
	})

	t.Run("unhealthy replica is closed and removed", func(t *testing.T) {
		replica1DB, replica1Mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer replica1DB.Close()

		replica2DB, replica2Mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer replica2DB.Close()

		replica1Mock.ExpectPing()
		replica2Mock.ExpectPing().WillReturnError(errors.New("connection refused"))
		replica2Mock.ExpectClose()

		cm := &ConnectionManager{
			primary:  &sql.DB{},
			replicas: []*sql.DB{replica1DB, replica2DB},
		}

		removed := cm.RemoveUnhealthyReplicas(context.Background())
		assert.Equal(t, 1, removed)
		require.Len(t, cm.replicas, 1)
		assert.Equal(t, replica1DB, cm.replicas[0])
	})
}

func TestConnectionManager_StartHealthCheckRoutine(t *testing.T) {
	replicaDB, replicaMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer replicaDB.Close()

	replicaMock.ExpectPing()
	replicaMock.ExpectPing().WillReturnError(errors.New("connection lost"))
	replicaMock.ExpectClose()

	cm := &ConnectionManager{
		primary:  &sql.DB{},
		replicas: []*sql.DB{replicaDB},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cm.StartHealthCheckRoutine(ctx, 50*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	cancel()
	time.Sleep(50 * time.Millisecond)

	cm.mu.RLock()
	replicaCount := len(cm.replicas)
	cm.mu.RUnlock()
	assert.Equal(t, 0, replicaCount)
}

func TestConnectionManager_Stats(t *testing.T) {
	primaryDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer primaryDB.Close()

	replicaDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer replicaDB.Close()

	cm := &ConnectionManager{
		primary:  primaryDB,
		replicas: []*sql.DB{replicaDB},
	}

	stats := cm.Stats()
	assert.NotNil(t, stats.Primary)
	assert.Len(t, stats.Replicas, 1)
}

func TestConnectionManager_Close(t *testing.T) {
	t.Run("closes primary and replicas", func(t *testing.T) {
		primaryDB, primaryMock, err := sqlmock.New()
		require.NoError(t, err)

		replicaDB, replicaMock, err := sqlmock.New()
		require.NoError(t, err)

		primaryMock.ExpectClose()
		replicaMock.ExpectClose()

		cm := &ConnectionManager{
			primary:  primaryDB,
			replicas: []*sql.DB{replicaDB},
		}

		assert.NoError(t, cm.Close())
		assert.NoError(t, primaryMock.ExpectationsWereMet())
		assert.NoError(t, replicaMock.ExpectationsWereMet())
		assert.Nil(t, cm.replicas)
	})

	t.Run("collects close errors", func(t *testing.T) {
		primaryDB, primaryMock, err := sqlmock.New()
		require.NoError(t, err)

		primaryMock.ExpectClose().WillReturnError(errors.New("close failed"))

		cm := &ConnectionManager{primary: primaryDB}

		err = cm.Close()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "connection close errors")
	})
}
