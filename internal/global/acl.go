package global

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/directory"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/identity"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/mailbox"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/widecol"
)

// ACLSource resolves folder grants and folder nesting.
type ACLSource interface {
	FolderGrants(ctx context.Context, account uuid.UUID, folder uint32) ([]directory.Grant, error)
	FolderSubtree(ctx context.Context, account uuid.UUID, folder uint32) ([]uint32, error)
}

// EncodeACL writes principals as "\x00a\x00b\x00" so a substring match on
// "\x00p\x00" is an exact membership test.
func EncodeACL(principals []string) []byte {
	uniq := make([]string, 0, len(principals))
	seen := make(map[string]struct{}, len(principals))
	for _, p := range principals {
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		uniq = append(uniq, p)
	}
	sort.Strings(uniq)
	var b bytes.Buffer
	b.WriteByte(0)
	for _, p := range uniq {
		b.WriteString(p)
		b.WriteByte(0)
	}
	return b.Bytes()
}

// aclNeedle is the value searched for in the stored ACL blob.
func aclNeedle(principal string) []byte {
	return append(append([]byte{0}, principal...), 0)
}

// ACLContains reports whether principal appears in an encoded ACL.
func ACLContains(acl []byte, principal string) bool {
	return principal != "" && bytes.Contains(acl, aclNeedle(principal))
}

// resolveACL computes who may read items of folder: the owner plus every
// direct user grantee holding the read right. Group, domain, COS, public,
// guest and key grantees are not expanded and therefore not visible through
// the global index.
func (ix *Index) resolveACL(ctx context.Context, account uuid.UUID, folder uint32) ([]byte, error) {
	principals := []string{account.String()}
	if ix.acl == nil {
		return EncodeACL(principals), nil
	}
	grants, err := ix.acl.FolderGrants(ctx, account, folder)
	if err != nil {
		return nil, fmt.Errorf("resolving acl of folder %d: %w", folder, err)
	}
	for _, g := range grants {
		if !g.Rights.Has(directory.RightRead) {
			continue
		}
		if g.Kind != directory.GranteeUser {
			logger.WithAccount(ix.logger, account).Debug("grantee not expanded in global acl",
				"folder_id", folder, "grantee", g.Grantee, "kind", g.Kind)
			continue
		}
		principals = append(principals, g.Grantee)
	}
	return EncodeACL(principals), nil
}

// RefreshFolderACL re-denormalizes the ACL of every global item of account
// filed in folder or one of its subfolders. Each item gets the grants of its
// own folder. Items of a folder whose grants cannot be resolved are logged
// and left as they are; the rest are still updated. It returns the number of
// items updated.
func (ix *Index) RefreshFolderACL(ctx context.Context, account uuid.UUID, folder uint32) (int, error) {
	subtree := []uint32{folder}
	if ix.acl != nil {
		var err error
		subtree, err = ix.acl.FolderSubtree(ctx, account, folder)
		if err != nil {
			return 0, fmt.Errorf("resolving subtree of folder %d: %w", folder, err)
		}
	}
	inTree := make(map[uint32]struct{}, len(subtree))
	for _, f := range subtree {
		inTree[f] = struct{}{}
	}

	start, stop := identity.AccountRange(account)
	var rows []widecol.Row
	err := ix.pool.Do(ctx, func(h *widecol.Handle) error {
		var err error
		rows, err = h.Table(ItemsTable).Scan(ctx, widecol.Scan{
			Start: start,
			Stop:  stop,
			Columns: []widecol.ColumnRef{
				{Family: familyItem, Column: mailbox.ColType},
				{Family: familyItem, Column: mailbox.ColFolder},
			},
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("scanning global items of %s: %w", account, err)
	}

	log := logger.WithAccount(ix.logger, account)
	acls := make(map[uint32][]byte)
	failed := make(map[uint32]struct{})
	skipped := 0
	batch := widecol.NewBatch()
	for _, row := range rows {
		typ, ok := row.Latest(familyItem, mailbox.ColType)
		if !ok {
			continue
		}
		f, ok := row.Latest(familyItem, mailbox.ColFolder)
		if !ok || f.Timestamp != typ.Timestamp || len(f.Value) != 4 {
			continue
		}
		itemFolder := binary.BigEndian.Uint32(f.Value)
		if _, ok := inTree[itemFolder]; !ok {
			continue
		}
		if _, bad := failed[itemFolder]; bad {
			skipped++
			continue
		}
		acl, cached := acls[itemFolder]
		if !cached {
			acl, err = ix.resolveACL(ctx, account, itemFolder)
			if err != nil {
				ix.metrics.ACLLookupFailed()
				log.Warn("acl lookup failed, folder items keep their previous acl",
					"item_id", itemID(row.Key),
					"folder", itemFolder,
					"error", err,
				)
				failed[itemFolder] = struct{}{}
				skipped++
				continue
			}
			acls[itemFolder] = acl
		}
		batch.Put(row.Key, familyItem, colACL, typ.Timestamp, acl)
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	err = ix.pool.Do(ctx, func(h *widecol.Handle) error {
		return h.Table(ItemsTable).Apply(ctx, batch)
	})
	if err != nil {
		return 0, fmt.Errorf("writing acls of folder %d: %w", folder, err)
	}
	ix.changed(ctx)
	log.Info("folder acl refreshed",
		"folder", folder,
		"subfolders", len(subtree)-1,
		"items", batch.Len(),
		"skipped", skipped,
	)
	return batch.Len(), nil
}

// itemID is the item number of a global item row key, or 0 when the key is
// malformed.
func itemID(key []byte) uint32 {
	id, err := identity.ParseGlobalItemID(key)
	if err != nil {
		return 0
	}
	return id.Item
}
