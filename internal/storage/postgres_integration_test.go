package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationDocumentStore(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	store, err := NewPostgresDocumentStore(dsn)
	if err != nil {
		t.Fatalf("new postgres document store: %v", err)
	}
	store.databasesTable = postgresIntegrationTableName("alem_docdbs_it")
	store.documentsTable = postgresIntegrationTableName("alem_docs_it")
	t.Cleanup(func() {
		_ = store.Close()
		postgresIntegrationDropTable(t, dsn, store.databasesTable)
		postgresIntegrationDropTable(t, dsn, store.documentsTable)
	})

	ctx := context.Background()
	if err := store.EnsureDatabase(ctx, "tenant_it"); err != nil {
		t.Fatalf("ensure database failed: %v", err)
	}
	rev, err := store.Put(ctx, "tenant_it", DocRecord{ID: "doc_1", Body: json.RawMessage(`{"user_id":"u1","n":1}`)})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, err := store.Put(ctx, "tenant_it", DocRecord{ID: "doc_1", Body: json.RawMessage(`{}`)}); err == nil {
		t.Fatalf("expected conflict on duplicate create")
	}
	found, err := store.Find(ctx, "tenant_it", Selector{"user_id": "u1"}, 10)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(found) != 1 || found[0].Rev != rev {
		t.Fatalf("unexpected find result: %+v", found)
	}
	if err := store.Delete(ctx, "tenant_it", "doc_1", rev); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
}

func TestPostgresIntegrationIndexSearchAndChanges(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	index, err := NewPostgresIndex(dsn)
	if err != nil {
		t.Fatalf("new postgres index: %v", err)
	}
	index.indexTable = postgresIntegrationTableName("alem_documents_it")
	index.changesTable = postgresIntegrationTableName("alem_changes_it")
	t.Cleanup(func() {
		_ = index.Close()
		postgresIntegrationDropTable(t, dsn, index.indexTable)
		postgresIntegrationDropTable(t, dsn, index.changesTable)
	})

	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Millisecond)
	entry := IndexEntry{
		ID: "doc_pg", TenantID: "t1", UserID: "u1", Filename: "budget.txt", ContentType: "text/plain",
		ObjectKey: "t1/u1/doc_pg/budget.txt", Status: "completed", TextContent: "quarterly budget review",
		Metadata: map[string]any{"k": "v"}, CreatedAt: at, UpdatedAt: at,
	}
	if err := index.Insert(ctx, entry); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	hits, err := index.Search(ctx, SearchQuery{TenantID: "t1", UserID: "u1", Text: "budget"})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(hits) != 1 || hits[0].Entry.ID != "doc_pg" || hits[0].Rank <= 0 {
		t.Fatalf("unexpected hits: %+v", hits)
	}
	if err := index.Delete(ctx, "t1", "doc_pg"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	changes, err := index.ChangesSince(ctx, "u1", at.Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("changes failed: %v", err)
	}
	if len(changes) != 1 || changes[0].Kind != ChangeDeleted {
		t.Fatalf("expected one deleted change, got %+v", changes)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("ALEM_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("ALEM_TEST_POSTGRES_DSN not set")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, table string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+postgresQuoteIdentifier(table)); err != nil {
		t.Fatalf("drop table %s: %v", table, err)
	}
}
