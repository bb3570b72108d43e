package document

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/mailbox"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/errors"
)

const multipartMessage = "From: Alice Example <alice@example.com>\r\n" +
	"To: Bob <bob@example.com>\r\n" +
	"Cc: carol@example.com\r\n" +
	"Subject: Quarterly numbers\r\n" +
	"Date: Tue, 14 Nov 2023 22:13:20 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"The   numbers are\r\nattached.\r\n" +
	"--XYZ\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"q3-report.pdf\"\r\n" +
	"\r\n" +
	"%PDF-1.4\r\n" +
	"--XYZ--\r\n"

func fieldValues(doc mailbox.Document, name string) []string {
	var out []string
	for _, f := range doc.Fields {
		if f.Name == name {
			out = append(out, f.Value)
		}
	}
	return out
}

func TestFromMessage(t *testing.T) {
	doc, err := FromMessage([]byte(multipartMessage), Item{ID: 42, ModSeq: 3, Folder: 2})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc.Item != 42 || doc.ModSeq != 3 || doc.Folder != 2 || doc.Type != mailbox.TypeMessage {
		t.Errorf("item identity not carried: %+v", doc.ItemMeta)
	}
	if doc.Subject != "Quarterly numbers" || doc.Creator != "alice@example.com" {
		t.Errorf("headers: subject %q creator %q", doc.Subject, doc.Creator)
	}
	if !doc.Date.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("date = %v", doc.Date)
	}
	if doc.Fragment != "The numbers are attached." {
		t.Errorf("fragment = %q", doc.Fragment)
	}
	if got := fieldValues(doc, mailbox.FieldFilename); len(got) != 1 || got[0] != "q3-report.pdf" {
		t.Errorf("filename fields: %v", got)
	}
	if got := fieldValues(doc, mailbox.FieldAttachments); len(got) != 2 || got[1] != AttachmentAny {
		t.Errorf("attachments fields: %v", got)
	}
	if got := fieldValues(doc, mailbox.FieldTo); len(got) != 1 || !strings.Contains(got[0], "bob@example.com") {
		t.Errorf("to fields: %v", got)
	}
	if got := fieldValues(doc, mailbox.FieldContent); len(got) != 1 || strings.Contains(got[0], "PDF") {
		t.Errorf("binary attachment leaked into content: %v", got)
	}
}

func TestFromMessageRejectsGarbage(t *testing.T) {
	_, err := FromMessage([]byte("not a header line without colon\r\n\r\n"), Item{ID: 1})
	if err == nil {
		return
	}
	if !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestFromFile(t *testing.T) {
	doc, err := FromFile(File{
		Name:     "Roadmap.html",
		MimeType: "text/html",
		Creator:  "alice@example.com",
		Content:  []byte("<html><style>p{}</style><p>Launch <b>plan</b></p></html>"),
	}, Item{ID: 5, ModSeq: 1, Folder: 16})
	if err != nil {
		t.Fatalf("from file: %v", err)
	}
	if doc.Type != mailbox.TypeDocument || doc.Filename != "Roadmap.html" || doc.MimeType != "text/html" {
		t.Errorf("unexpected meta %+v", doc.ItemMeta)
	}
	if doc.Fragment != "Launch plan" {
		t.Errorf("fragment = %q", doc.Fragment)
	}
	if _, err := FromFile(File{}, Item{ID: 6}); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("nameless file: %v", err)
	}
}

func TestFragmentTruncates(t *testing.T) {
	long := strings.Repeat("word ", 100)
	if got := Fragment(long); len([]rune(got)) != fragmentLen {
		t.Errorf("fragment length %d", len([]rune(got)))
	}
}

func TestFromMessageLatin1(t *testing.T) {
	raw := "From: Zoe <zoe@example.com>\r\n" +
		"Subject: =?iso-8859-1?q?Men=FC?=\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=B\r\n" +
		"\r\n" +
		"--B\r\n" +
		"Content-Type: text/plain; charset=iso-8859-1\r\n" +
		"Content-Transfer-Encoding: quoted-printable\r\n" +
		"\r\n" +
		"Caf=E9 cr=E8me at noon\r\n" +
		"--B\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"see you there\r\n" +
		"--B--\r\n"
	doc, err := FromMessage([]byte(raw), Item{ID: 1})
	if err != nil {
		t.Fatalf("latin-1 message rejected: %v", err)
	}
	if doc.Subject != "Menü" {
		t.Errorf("subject = %q", doc.Subject)
	}
	got := fieldValues(doc, mailbox.FieldContent)
	if len(got) != 1 || !strings.Contains(got[0], "Café crème") || !strings.Contains(got[0], "see you there") {
		t.Errorf("content fields: %q", got)
	}
}

func TestStripHTML(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"<p>Tom &amp; Jerry caf&eacute;</p>", "Tom & Jerry café"},
		{`<a title="a > b">link</a> text`, "link text"},
		{"<style>p{color:red}</style><script>var x = '<b>';</script>Hello", "Hello"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := Fragment(StripHTML(tt.in)); got != tt.want {
			t.Errorf("StripHTML(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFromMessageHTMLAttachment(t *testing.T) {
	raw := "From: alice@example.com\r\n" +
		"Subject: minutes\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=B\r\n" +
		"\r\n" +
		"--B\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"attached\r\n" +
		"--B\r\n" +
		"Content-Type: text/html\r\n" +
		"Content-Disposition: attachment; filename=\"minutes.html\"\r\n" +
		"\r\n" +
		"<html><body><p>Budget &amp; staffing</p></body></html>\r\n" +
		"--B--\r\n"
	doc, err := FromMessage([]byte(raw), Item{ID: 2})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := fieldValues(doc, mailbox.FieldContent)
	if len(got) != 1 || strings.Contains(got[0], "<p>") || !strings.Contains(got[0], "Budget & staffing") {
		t.Errorf("html attachment not stripped: %q", got)
	}
}
