// Package document turns raw items into index documents: RFC 822 messages
// with their attachments, and standalone files such as briefcase documents.
package document

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/mailbox"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/errors"
)

const fragmentLen = 150

// AttachmentAny is the attachments term of every item that has attachments.
const AttachmentAny = "any"

// Item identifies the mailbox item a document is built for.
type Item struct {
	ID     uint32
	ModSeq uint32
	Folder uint32
	Type   mailbox.ItemType
}

var whitespace = regexp.MustCompile(`\s+`)

// FromMessage parses a raw RFC 822 message. Plain and HTML body parts become
// content; attachment names and media types are indexed separately from the
// body.
func FromMessage(raw []byte, item Item) (mailbox.Document, error) {
	if item.Type == "" {
		item.Type = mailbox.TypeMessage
	}
	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return mailbox.Document{}, fmt.Errorf("parsing message %d: %w: %w", item.ID, apperrors.ErrInvalidInput, err)
	}
	defer r.Close()

	doc := mailbox.Document{
		Item:   item.ID,
		ModSeq: item.ModSeq,
		ItemMeta: mailbox.ItemMeta{
			Type:   item.Type,
			Folder: item.Folder,
			Size:   int64(len(raw)),
		},
	}
	if subject, err := r.Header.Subject(); err == nil {
		doc.Subject = subject
		doc.SortName = strings.ToLower(subject)
		doc.Fields = append(doc.Fields, text(mailbox.FieldSubject, subject))
	}
	if date, err := r.Header.Date(); err == nil {
		doc.Date = date.UTC()
	}
	for _, h := range []struct{ header, field string }{
		{"From", mailbox.FieldFrom},
		{"To", mailbox.FieldTo},
		{"Cc", mailbox.FieldCc},
	} {
		list, err := r.Header.AddressList(h.header)
		if err != nil || len(list) == 0 {
			continue
		}
		if h.field == mailbox.FieldFrom {
			doc.Creator = strings.ToLower(list[0].Address)
		}
		for _, addr := range list {
			doc.Fields = append(doc.Fields, text(h.field, addr.Name+" "+addr.Address))
		}
	}

	var body []string
	var attached bool
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if message.IsUnknownCharset(err) {
			// the part is lost, the rest of the message is still readable
			continue
		}
		if err != nil {
			return mailbox.Document{}, fmt.Errorf("reading part of message %d: %w: %w", item.ID, apperrors.ErrInvalidInput, err)
		}
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, _ := h.ContentType()
			b, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case mediaType == "" || strings.HasPrefix(mediaType, "text/plain"):
				body = append(body, string(b))
			case strings.HasPrefix(mediaType, "text/html"):
				body = append(body, StripHTML(string(b)))
			}
		case *mail.AttachmentHeader:
			attached = true
			mediaType, _, _ := h.ContentType()
			if mediaType != "" {
				doc.Fields = append(doc.Fields, keyword(mailbox.FieldAttachments, mediaType))
				doc.Fields = append(doc.Fields, keyword(mailbox.FieldMimeType, mediaType))
			}
			if name, _ := h.Filename(); strings.TrimSpace(name) != "" {
				doc.Fields = append(doc.Fields, text(mailbox.FieldFilename, name))
			}
			switch {
			case strings.HasPrefix(mediaType, "text/html"):
				if b, err := io.ReadAll(part.Body); err == nil {
					body = append(body, StripHTML(string(b)))
				}
			case strings.HasPrefix(mediaType, "text/"):
				if b, err := io.ReadAll(part.Body); err == nil {
					body = append(body, string(b))
				}
			}
		}
	}
	if attached {
		doc.Fields = append(doc.Fields, keyword(mailbox.FieldAttachments, AttachmentAny))
	}
	content := strings.Join(body, "\n")
	doc.Fragment = Fragment(content)
	if strings.TrimSpace(content) != "" {
		doc.Fields = append(doc.Fields, text(mailbox.FieldContent, content))
	}
	return doc, nil
}

// File describes a standalone document item.
type File struct {
	Name     string
	MimeType string
	Creator  string
	Modified time.Time
	Content  []byte
}

// FromFile builds the document of a file item. Only text content is
// indexed; other media types are searchable by name and type alone.
func FromFile(f File, item Item) (mailbox.Document, error) {
	if strings.TrimSpace(f.Name) == "" {
		return mailbox.Document{}, fmt.Errorf("file item %d has no name: %w", item.ID, apperrors.ErrInvalidInput)
	}
	if item.Type == "" {
		item.Type = mailbox.TypeDocument
	}
	mimeType := strings.ToLower(f.MimeType)
	doc := mailbox.Document{
		Item:   item.ID,
		ModSeq: item.ModSeq,
		ItemMeta: mailbox.ItemMeta{
			Type:     item.Type,
			Folder:   item.Folder,
			Date:     f.Modified.UTC(),
			Size:     int64(len(f.Content)),
			SortName: strings.ToLower(f.Name),
			Filename: f.Name,
			Creator:  f.Creator,
			MimeType: mimeType,
		},
		Fields: []mailbox.Field{
			text(mailbox.FieldFilename, f.Name),
		},
	}
	if mimeType != "" {
		doc.Fields = append(doc.Fields, keyword(mailbox.FieldMimeType, mimeType))
	}
	if f.Creator != "" {
		doc.Fields = append(doc.Fields, text(mailbox.FieldCreator, f.Creator))
	}
	var content string
	switch {
	case mimeType == "text/html":
		content = StripHTML(string(f.Content))
	case strings.HasPrefix(mimeType, "text/"):
		content = string(f.Content)
	}
	if strings.TrimSpace(content) != "" {
		doc.Fields = append(doc.Fields, text(mailbox.FieldContent, content))
		doc.Fragment = Fragment(content)
	}
	return doc, nil
}

// StripHTML returns the visible text of an HTML document with entities
// decoded. Script and style contents are dropped.
func StripHTML(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			if name, _ := z.TagName(); isRawText(name) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); isRawText(name) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}

func isRawText(tag []byte) bool {
	return string(tag) == "script" || string(tag) == "style"
}

// Fragment is the collapsed leading text shown in result lists.
func Fragment(s string) string {
	s = strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
	r := []rune(s)
	if len(r) <= fragmentLen {
		return s
	}
	return string(r[:fragmentLen])
}

func text(name, value string) mailbox.Field {
	return mailbox.Field{Name: name, Value: value, Indexed: true, Tokenized: true}
}

func keyword(name, value string) mailbox.Field {
	return mailbox.Field{Name: name, Value: value, Indexed: true}
}
