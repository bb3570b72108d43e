// Package identity defines the fixed-width keys shared by the mailbox and
// global indexes: the 20-byte global item id, the versioned mailbox row key
// and the (item, mod sequence) timestamp carried by every mailbox cell.
package identity

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/errors"
)

const (
	// GlobalItemIDLen is 16 bytes of account id followed by a 4-byte item id.
	GlobalItemIDLen = 20
	// MailboxRowKeyLen is 16 bytes of account id followed by a version byte.
	MailboxRowKeyLen = 17

	MaxItemID uint32 = 0xFFFFFFFF
)

// GlobalItemID addresses one item across every mailbox. Byte order of the
// encoded form equals (account, item) order.
type GlobalItemID struct {
	Account uuid.UUID
	Item    uint32
}

func NewGlobalItemID(account uuid.UUID, item uint32) GlobalItemID {
	return GlobalItemID{Account: account, Item: item}
}

// Bytes returns the big-endian 20-byte encoding.
func (id GlobalItemID) Bytes() []byte {
	b := make([]byte, GlobalItemIDLen)
	copy(b, id.Account[:])
	binary.BigEndian.PutUint32(b[16:], id.Item)
	return b
}

func (id GlobalItemID) String() string {
	return fmt.Sprintf("%s:%d", id.Account, id.Item)
}

// Compare orders ids by account, then item.
func (id GlobalItemID) Compare(other GlobalItemID) int {
	if c := bytes.Compare(id.Account[:], other.Account[:]); c != 0 {
		return c
	}
	switch {
	case id.Item < other.Item:
		return -1
	case id.Item > other.Item:
		return 1
	default:
		return 0
	}
}

// ParseGlobalItemID decodes b. Any length other than GlobalItemIDLen is
// ErrMalformedID.
func ParseGlobalItemID(b []byte) (GlobalItemID, error) {
	if len(b) != GlobalItemIDLen {
		return GlobalItemID{}, fmt.Errorf("global item id of %d bytes: %w", len(b), apperrors.ErrMalformedID)
	}
	var id GlobalItemID
	copy(id.Account[:], b[:16])
	id.Item = binary.BigEndian.Uint32(b[16:])
	return id, nil
}

// AccountRange returns the inclusive start and exclusive stop keys covering
// every global item id of account.
func AccountRange(account uuid.UUID) (start, stop []byte) {
	start = NewGlobalItemID(account, 0).Bytes()
	stop = append(NewGlobalItemID(account, MaxItemID).Bytes(), 0x00)
	return start, stop
}

// MailboxRowKey is the row holding every cell of one mailbox generation.
func MailboxRowKey(account uuid.UUID, version byte) []byte {
	b := make([]byte, MailboxRowKeyLen)
	copy(b, account[:])
	b[16] = version
	return b
}

func ParseMailboxRowKey(b []byte) (uuid.UUID, byte, error) {
	if len(b) != MailboxRowKeyLen {
		return uuid.Nil, 0, fmt.Errorf("mailbox row key of %d bytes: %w", len(b), apperrors.ErrMalformedID)
	}
	var account uuid.UUID
	copy(account[:], b[:16])
	return account, b[16], nil
}

// AccountRowRange covers every version row of account.
func AccountRowRange(account uuid.UUID) (start, stop []byte) {
	return MailboxRowKey(account, 0), append(MailboxRowKey(account, 0xFF), 0x00)
}

// RevisionTimestamp packs an item revision into a cell timestamp.
func RevisionTimestamp(item, modSeq uint32) uint64 {
	return uint64(item)<<32 | uint64(modSeq)
}

// ItemRange is the [min, max) timestamp range holding every revision of item.
func ItemRange(item uint32) (uint64, uint64) {
	return uint64(item) << 32, (uint64(item) + 1) << 32
}

func ItemFromTimestamp(ts uint64) uint32 {
	return uint32(ts >> 32)
}

func ModSeqFromTimestamp(ts uint64) uint32 {
	return uint32(ts)
}
