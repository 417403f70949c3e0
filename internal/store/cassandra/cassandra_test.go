package cassandra

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zetareticula/meshstore/internal/store"
	"github.com/zetareticula/meshstore/internal/store/storetest"
)

// Set MESHSTORE_CASSANDRA_HOSTS (comma separated) and MESHSTORE_CASSANDRA_KEYSPACE to run
// against a live cluster.
func TestBackend(t *testing.T) {
	hosts := os.Getenv("MESHSTORE_CASSANDRA_HOSTS")
	keyspace := os.Getenv("MESHSTORE_CASSANDRA_KEYSPACE")
	if hosts == "" || keyspace == "" {
		t.Skip("MESHSTORE_CASSANDRA_HOSTS and MESHSTORE_CASSANDRA_KEYSPACE not set")
	}
	run := uuid.NewString()
	storetest.Run(t, func(t *testing.T, name string) store.Backend {
		b, err := Open(context.Background(), Options{
			Hosts:      strings.Split(hosts, ","),
			Keyspace:   keyspace,
			Replica:    run + "-" + name,
			MinTries:   3,
			RetryDelay: 100 * time.Millisecond,
			Timeout:    5 * time.Second,
		})
		require.NoError(t, err)
		return b
	})
}

func TestOpenValidatesOptions(t *testing.T) {
	_, err := Open(context.Background(), Options{Hosts: []string{"127.0.0.1"}})
	assert.Error(t, err)
}
