package provider

import (
	"reflect"
	"strings"
	"testing"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
)

const multipartMessage = "From: alice@example.com\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: report\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"BOUNDARY\"\r\n" +
	"\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain; charset=\"UTF-8\"\r\n" +
	"\r\n" +
	"plain body\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/html; charset=\"UTF-8\"\r\n" +
	"\r\n" +
	"<p>html body</p>\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
	"\r\n" +
	"%PDF-1.4 fake\r\n" +
	"--BOUNDARY--\r\n"

// TestParseMIMEBodyMultipart verifies both body variants and the attachment
// descriptor are extracted from a multipart message.
func TestParseMIMEBodyMultipart(t *testing.T) {
	text, html, attachments, ok := parseMIMEBody([]byte(multipartMessage))
	if !ok {
		t.Fatal("parse reported failure")
	}
	if strings.TrimSpace(text) != "plain body" {
		t.Errorf("text = %q", text)
	}
	if strings.TrimSpace(html) != "<p>html body</p>" {
		t.Errorf("html = %q", html)
	}
	if len(attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(attachments))
	}
	if attachments[0].Filename != "report.pdf" || attachments[0].Size == 0 {
		t.Errorf("attachment = %+v", attachments[0])
	}
}

// TestParseMIMEBodySimple verifies a plain single-part message parses.
func TestParseMIMEBodySimple(t *testing.T) {
	msg := "From: a@example.com\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"just text\r\n"
	text, html, _, ok := parseMIMEBody([]byte(msg))
	if !ok {
		t.Fatal("parse reported failure")
	}
	if strings.TrimSpace(text) != "just text" || html != "" {
		t.Errorf("text = %q, html = %q", text, html)
	}
}

// TestParseMIMEBodyBinaryGarbage verifies bytes that are neither MIME nor
// text come back marked unparseable instead of polluting storage.
func TestParseMIMEBodyBinaryGarbage(t *testing.T) {
	_, _, _, ok := parseMIMEBody([]byte{0x00, 0x01, 0xff, 0xfe, 0x00})
	if ok {
		t.Error("binary garbage reported as parsed")
	}
}

// TestBuildRFC822 verifies the outgoing wire format: headers, reply
// threading, and the body variant choice.
func TestBuildRFC822(t *testing.T) {
	draft := &domain.Draft{
		From:      "alice@example.com",
		To:        []string{"bob@example.com", "carol@example.com"},
		Cc:        []string{"dave@example.com"},
		Subject:   "meeting",
		TextBody:  "see you at noon",
		InReplyTo: "<prev@example.com>",
	}
	msg := buildRFC822(draft)

	for _, want := range []string{
		"From: alice@example.com\r\n",
		"To: bob@example.com, carol@example.com\r\n",
		"Cc: dave@example.com\r\n",
		"Subject: meeting\r\n",
		"In-Reply-To: <prev@example.com>\r\n",
		"References: <prev@example.com>\r\n",
		"Content-Type: text/plain",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q", want)
		}
	}
	if !strings.HasSuffix(msg, "see you at noon") {
		t.Error("body not at end of message")
	}
}

// TestBuildRFC822PrefersHTML verifies an HTML draft is sent as text/html.
func TestBuildRFC822PrefersHTML(t *testing.T) {
	draft := &domain.Draft{
		From:     "alice@example.com",
		To:       []string{"bob@example.com"},
		Subject:  "styled",
		TextBody: "fallback",
		HTMLBody: "<b>styled</b>",
	}
	msg := buildRFC822(draft)
	if !strings.Contains(msg, "Content-Type: text/html") {
		t.Error("HTML draft not sent as text/html")
	}
	if !strings.HasSuffix(msg, "<b>styled</b>") {
		t.Error("html body not used")
	}
}

// TestSplitAddressList covers the header address splitting.
func TestSplitAddressList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"a@x.com, b@y.com", []string{"a@x.com", "b@y.com"}},
		{"  a@x.com  ", []string{"a@x.com"}},
		{"", []string{}},
		{" , ,", []string{}},
	}
	for _, tt := range tests {
		if got := splitAddressList(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitAddressList(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
