package router

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/tenantflow/internal/db"
)

// postgresAdminDSN returns an admin DSN for a scratch server, or skips.
func postgresAdminDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TENANTFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TENANTFLOW_TEST_POSTGRES_DSN not set")
	}
	return dsn
}

// tenantTemplate swaps the admin DSN's database for the namespace placeholder.
func tenantTemplate(t *testing.T, adminDSN string) string {
	t.Helper()
	u, err := url.Parse(adminDSN)
	require.NoError(t, err)
	u.Path = "/" + NamespacePlaceholder
	// url.String escapes the braces.
	return strings.Replace(u.String(), url.PathEscape(NamespacePlaceholder), NamespacePlaceholder, 1)
}

func TestNewPostgresProvisioner_RequiresPlaceholder(t *testing.T) {
	t.Parallel()
	_, err := NewPostgresProvisioner(context.Background(), "postgres://localhost/postgres", "postgres://localhost/fixed")
	require.Error(t, err)
	assert.Contains(t, err.Error(), NamespacePlaceholder)
}

func TestPostgresProvisioner_Lifecycle(t *testing.T) {
	t.Parallel()
	adminDSN := postgresAdminDSN(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	prov, err := NewPostgresProvisioner(ctx, adminDSN, tenantTemplate(t, adminDSN))
	require.NoError(t, err)
	t.Cleanup(func() { _ = prov.Close() })

	ns := fmt.Sprintf("t_pgtest_%x", time.Now().UnixNano())
	t.Cleanup(func() { _ = prov.Drop(context.Background(), ns) })

	r := newTestRouterWith(t, prov, nil)
	h, err := r.Acquire(ctx, ns)
	require.NoError(t, err)

	err = h.Do(ctx, func(ctx context.Context, tdb *db.TenantDB) error {
		statuses, err := tdb.ListStatuses(ctx)
		if err != nil {
			return err
		}
		assert.Len(t, statuses, 3)
		return nil
	})
	require.NoError(t, err)

	assert.ErrorIs(t, prov.Create(ctx, ns), ErrDatabaseExists)

	require.NoError(t, r.Release(ctx, ns))
	exists, err := prov.Exists(ctx, ns)
	require.NoError(t, err)
	assert.False(t, exists)
}
