package etcd

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/mistakeknot/engage/internal/storage"
	"github.com/mistakeknot/engage/internal/storage/storetest"
)

// newTestStore connects to ETCD_ENDPOINTS and isolates the test under a
// random prefix that is deleted afterwards.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}
	cli, err := NewClient(strings.Split(endpoints, ","), 5*time.Second)
	if err != nil {
		t.Fatalf("dial etcd: %v", err)
	}
	prefix := "/engage-test/" + uuid.NewString() + "/"
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cli.Delete(ctx, prefix, clientv3.WithPrefix())
		cli.Close()
	})
	return New(cli, prefix, nil)
}

func TestEtcdContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		return newTestStore(t)
	})
}

func TestOpenRequiresEndpoints(t *testing.T) {
	if _, err := Open(Config{}, nil); err == nil {
		t.Fatal("expected error without endpoints")
	}
}

func TestKeysUsePrefix(t *testing.T) {
	st := New(nil, "/custom/", nil)
	if got := st.key(dirLocks, "w1"); got != "/custom/locks/w1" {
		t.Fatalf("unexpected key: %s", got)
	}
	if got := st.dir(dirHistory); got != "/custom/history/" {
		t.Fatalf("unexpected dir: %s", got)
	}
	if got := New(nil, "", nil).key(dirWindows, "w1"); got != "/engage/windows/w1" {
		t.Fatalf("unexpected default key: %s", got)
	}
}
