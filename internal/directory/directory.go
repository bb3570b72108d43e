// Package directory answers the account and folder questions the index
// needs from the mail server: which mailboxes exist, how folders nest and who
// has been granted access to a folder.
package directory

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/database"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/errors"
)

// GranteeKind is the type of principal a folder grant names.
type GranteeKind string

const (
	GranteeUser   GranteeKind = "usr"
	GranteeGroup  GranteeKind = "grp"
	GranteeDomain GranteeKind = "dom"
	GranteeCOS    GranteeKind = "cos"
	GranteePublic GranteeKind = "pub"
	GranteeGuest  GranteeKind = "guest"
	GranteeKey    GranteeKind = "key"
)

// Rights is a bit set of folder permissions.
type Rights uint32

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightInsert
	RightDelete
	RightAdmin
)

func (r Rights) Has(want Rights) bool {
	return r&want == want
}

// Grant is one access-control entry on a folder.
type Grant struct {
	Grantee string
	Kind    GranteeKind
	Rights  Rights
}

// RootFolder is the parent of top-level folders.
const RootFolder uint32 = 1

var schema = []string{
	`CREATE TABLE IF NOT EXISTS mailboxes (
		account_id TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS folders (
		account_id TEXT NOT NULL,
		folder_id  INTEGER NOT NULL,
		parent_id  INTEGER NOT NULL,
		PRIMARY KEY (account_id, folder_id)
	)`,
	`CREATE TABLE IF NOT EXISTS folder_grants (
		account_id   TEXT NOT NULL,
		folder_id    INTEGER NOT NULL,
		grantee_id   TEXT NOT NULL,
		grantee_kind TEXT NOT NULL,
		rights       INTEGER NOT NULL,
		PRIMARY KEY (account_id, folder_id, grantee_id)
	)`,
}

type Directory struct {
	db     *database.Client
	logger *slog.Logger
}

func New(db *database.Client) *Directory {
	return &Directory{
		db:     db,
		logger: slog.Default().With("component", "directory"),
	}
}

// Migrate creates the directory tables when they are missing.
func (d *Directory) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying directory schema: %w", err)
		}
	}
	return nil
}

func (d *Directory) Ping(ctx context.Context) error {
	return d.db.Ping(ctx)
}

func (d *Directory) AddMailbox(ctx context.Context, account uuid.UUID) error {
	_, err := d.db.DB.ExecContext(ctx, d.db.Rebind(
		`INSERT INTO mailboxes (account_id) VALUES ($1) ON CONFLICT (account_id) DO NOTHING`),
		account.String(),
	)
	if err != nil {
		return fmt.Errorf("adding mailbox %s: %w", account, err)
	}
	return nil
}

// MailboxIDs returns every known mailbox in byte order of the account id.
func (d *Directory) MailboxIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := d.db.DB.QueryContext(ctx, `SELECT account_id FROM mailboxes`)
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning mailbox id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			d.logger.Warn("skipping malformed mailbox id", "account_id", raw, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating mailboxes: %w", err)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids, nil
}

// PutFolder creates or moves a folder.
func (d *Directory) PutFolder(ctx context.Context, account uuid.UUID, folder, parent uint32) error {
	_, err := d.db.DB.ExecContext(ctx, d.db.Rebind(
		`INSERT INTO folders (account_id, folder_id, parent_id) VALUES ($1, $2, $3)
		 ON CONFLICT (account_id, folder_id) DO UPDATE SET parent_id = excluded.parent_id`),
		account.String(), int64(folder), int64(parent),
	)
	if err != nil {
		return fmt.Errorf("saving folder %d of %s: %w", folder, account, err)
	}
	return nil
}

// SetGrant creates or replaces the grant of g.Grantee on folder.
func (d *Directory) SetGrant(ctx context.Context, account uuid.UUID, folder uint32, g Grant) error {
	_, err := d.db.DB.ExecContext(ctx, d.db.Rebind(
		`INSERT INTO folder_grants (account_id, folder_id, grantee_id, grantee_kind, rights)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (account_id, folder_id, grantee_id)
		 DO UPDATE SET grantee_kind = excluded.grantee_kind, rights = excluded.rights`),
		account.String(), int64(folder), g.Grantee, string(g.Kind), int64(g.Rights),
	)
	if err != nil {
		return fmt.Errorf("granting %s on folder %d of %s: %w", g.Grantee, folder, account, err)
	}
	return nil
}

func (d *Directory) RevokeGrant(ctx context.Context, account uuid.UUID, folder uint32, grantee string) error {
	_, err := d.db.DB.ExecContext(ctx, d.db.Rebind(
		`DELETE FROM folder_grants WHERE account_id = $1 AND folder_id = $2 AND grantee_id = $3`),
		account.String(), int64(folder), grantee,
	)
	if err != nil {
		return fmt.Errorf("revoking %s on folder %d of %s: %w", grantee, folder, account, err)
	}
	return nil
}

// FolderGrants returns every grant on folder. Failures wrap ErrACLLookup.
func (d *Directory) FolderGrants(ctx context.Context, account uuid.UUID, folder uint32) ([]Grant, error) {
	rows, err := d.db.DB.QueryContext(ctx, d.db.Rebind(
		`SELECT grantee_id, grantee_kind, rights FROM folder_grants
		 WHERE account_id = $1 AND folder_id = $2 ORDER BY grantee_id`),
		account.String(), int64(folder),
	)
	if err != nil {
		return nil, fmt.Errorf("reading grants of folder %d: %w: %w", folder, apperrors.ErrACLLookup, err)
	}
	defer rows.Close()
	var grants []Grant
	for rows.Next() {
		var (
			g      Grant
			kind   string
			rights int64
		)
		if err := rows.Scan(&g.Grantee, &kind, &rights); err != nil {
			return nil, fmt.Errorf("scanning grant: %w: %w", apperrors.ErrACLLookup, err)
		}
		g.Kind = GranteeKind(kind)
		g.Rights = Rights(rights)
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating grants: %w: %w", apperrors.ErrACLLookup, err)
	}
	return grants, nil
}

// FolderSubtree returns folder and every folder below it.
func (d *Directory) FolderSubtree(ctx context.Context, account uuid.UUID, folder uint32) ([]uint32, error) {
	rows, err := d.db.DB.QueryContext(ctx, d.db.Rebind(
		`WITH RECURSIVE subtree(folder_id) AS (
			SELECT CAST($1 AS INTEGER)
			UNION
			SELECT f.folder_id FROM folders f
			JOIN subtree s ON f.parent_id = s.folder_id
			WHERE f.account_id = $2 AND f.folder_id <> f.parent_id
		)
		SELECT folder_id FROM subtree ORDER BY folder_id`),
		int64(folder), account.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("reading subtree of folder %d: %w: %w", folder, apperrors.ErrACLLookup, err)
	}
	defer rows.Close()
	var ids []uint32
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning folder id: %w: %w", apperrors.ErrACLLookup, err)
		}
		ids = append(ids, uint32(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subtree: %w: %w", apperrors.ErrACLLookup, err)
	}
	return ids, nil
}
