// Package consumer applies mailbox commit events from Kafka to the index
// backend: added revisions are parsed into documents and indexed, deletes
// and index truncations are forwarded, and folder ACL changes re-denormalize
// the global copies.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/backend"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/document"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/mailbox"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/resilience"
)

// CommitEvent is one mailbox transaction as published by the mail store.
type CommitEvent struct {
	Account     uuid.UUID   `json:"accountId"`
	DeleteIndex bool        `json:"deleteIndex,omitempty"`
	Deletes     []uint32    `json:"deletes,omitempty"`
	Adds        []AddedItem `json:"adds,omitempty"`
}

// AddedItem is a new item revision. Exactly one of Raw (an RFC 822 message)
// and File is set.
type AddedItem struct {
	Item   uint32       `json:"itemId"`
	ModSeq uint32       `json:"modSeq"`
	Folder uint32       `json:"folderId"`
	Type   string       `json:"type,omitempty"`
	Raw    []byte       `json:"raw,omitempty"`
	File   *FileContent `json:"file,omitempty"`
}

type FileContent struct {
	Name     string    `json:"name"`
	MimeType string    `json:"mimeType"`
	Creator  string    `json:"creator,omitempty"`
	Modified time.Time `json:"modified"`
	Content  []byte    `json:"content,omitempty"`
}

// ACLChangeEvent announces that the grants of a folder changed.
type ACLChangeEvent struct {
	Account uuid.UUID `json:"accountId"`
	Folder  uint32    `json:"folderId"`
}

// ACLRefresher re-denormalizes folder grants onto global items.
type ACLRefresher interface {
	RefreshFolderACL(ctx context.Context, account uuid.UUID, folder uint32) (int, error)
}

// IndexConsumer drives one Kafka consumer until its context ends.
type IndexConsumer struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

func New(c *kafka.Consumer, name string) *IndexConsumer {
	return &IndexConsumer{
		consumer: c,
		logger:   logger.WithComponent("index-consumer").With("stream", name),
	}
}

// Start blocks until ctx is cancelled.
func (ic *IndexConsumer) Start(ctx context.Context) error {
	ic.logger.Info("index consumer starting")
	return ic.consumer.Start(ctx)
}

// HandleCommit returns a handler that applies commit events to b. Events
// that cannot be decoded, and items whose content is malformed, are never
// retried: the former are dead-lettered, the latter skipped. Store failures
// are returned so the event is retried as a whole, which is safe because
// every write lands at the revision's own timestamp.
func HandleCommit(b backend.Backend) kafka.MessageHandler {
	log := logger.WithComponent("index-consumer")
	return func(ctx context.Context, key, value []byte) error {
		event, err := kafka.DecodeJSON[CommitEvent](value)
		if err != nil {
			log.Error("undecodable commit event", "key", string(key), "error", err)
			return resilience.Permanent(err)
		}
		if event.Account == uuid.Nil {
			return resilience.Permanent(fmt.Errorf("commit event without account: %w", apperrors.ErrInvalidInput))
		}
		return applyCommit(ctx, b, event, logger.WithAccount(log, event.Account))
	}
}

func applyCommit(ctx context.Context, b backend.Backend, event CommitEvent, log *slog.Logger) error {
	if event.DeleteIndex {
		if err := b.DeleteIndex(ctx, event.Account); err != nil {
			return fmt.Errorf("deleting index of %s: %w", event.Account, err)
		}
		if len(event.Adds) == 0 {
			return nil
		}
	}

	docs := make([]mailbox.Document, 0, len(event.Adds))
	for _, add := range event.Adds {
		doc, err := buildDocument(add)
		if err != nil {
			log.Warn("skipping unindexable item", "item_id", add.Item, "mod_seq", add.ModSeq, "error", err)
			continue
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 && len(event.Deletes) == 0 {
		return nil
	}

	ix, err := b.OpenIndexer(ctx, event.Account)
	if err != nil {
		return fmt.Errorf("opening indexer: %w", err)
	}
	if len(event.Deletes) > 0 {
		if err := ix.DeleteDocument(ctx, event.Deletes); err != nil {
			return fmt.Errorf("staging deletes: %w", err)
		}
	}
	for _, doc := range docs {
		if err := ix.AddDocument(doc); err != nil {
			if errors.Is(err, apperrors.ErrInvalidInput) {
				log.Warn("skipping rejected document", "item_id", doc.Item, "error", err)
				continue
			}
			return fmt.Errorf("staging item %d: %w", doc.Item, err)
		}
	}
	if err := ix.Close(ctx); err != nil {
		return err
	}
	log.Debug("commit applied", "added", len(docs), "deleted", len(event.Deletes))
	return nil
}

func buildDocument(add AddedItem) (mailbox.Document, error) {
	item := document.Item{
		ID:     add.Item,
		ModSeq: add.ModSeq,
		Folder: add.Folder,
		Type:   mailbox.ItemType(add.Type),
	}
	switch {
	case add.File != nil:
		return document.FromFile(document.File{
			Name:     add.File.Name,
			MimeType: add.File.MimeType,
			Creator:  add.File.Creator,
			Modified: add.File.Modified,
			Content:  add.File.Content,
		}, item)
	case len(add.Raw) > 0:
		return document.FromMessage(add.Raw, item)
	default:
		return mailbox.Document{}, fmt.Errorf("item %d has no content: %w", add.Item, apperrors.ErrInvalidInput)
	}
}

// HandleACLChange returns a handler that refreshes the denormalized ACL of
// every global item under the changed folder.
func HandleACLChange(r ACLRefresher) kafka.MessageHandler {
	log := logger.WithComponent("acl-consumer")
	return func(ctx context.Context, key, value []byte) error {
		event, err := kafka.DecodeJSON[ACLChangeEvent](value)
		if err != nil {
			log.Error("undecodable acl event", "key", string(key), "error", err)
			return resilience.Permanent(err)
		}
		n, err := r.RefreshFolderACL(ctx, event.Account, event.Folder)
		if err != nil {
			return fmt.Errorf("refreshing acl of folder %d: %w", event.Folder, err)
		}
		logger.WithAccount(log, event.Account).Debug("folder acl applied", "folder_id", event.Folder, "items", n)
		return nil
	}
}
