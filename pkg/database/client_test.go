package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/config"
)

func TestRebind(t *testing.T) {
	sqlite := &Client{driver: "sqlite"}
	pg := &Client{driver: "postgres"}
	q := "SELECT a FROM t WHERE x = $1 AND y = $2 AND z = '$'"
	if got := sqlite.Rebind(q); got != "SELECT a FROM t WHERE x = ? AND y = ? AND z = '$'" {
		t.Errorf("sqlite rebind: %q", got)
	}
	if got := pg.Rebind(q); got != q {
		t.Errorf("postgres query should be unchanged, got %q", got)
	}
}

func TestSQLiteInTx(t *testing.T) {
	c, err := New(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	ctx := context.Background()
	if _, err := c.DB.ExecContext(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatalf("create: %v", err)
	}

	boom := errors.New("boom")
	err = c.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, c.Rebind(`INSERT INTO kv (k, v) VALUES ($1, $2)`), "a", "1"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	var n int
	if err := c.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("rolled back insert is visible: %d rows", n)
	}
}
