package bot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
)

type capturedRequest struct {
	Path   string
	ChatID string
	Text   string
}

type mockHTTPClient struct {
	mu       sync.Mutex
	body     string
	status   int
	err      error
	requests []capturedRequest
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	raw, _ := io.ReadAll(req.Body)
	form, _ := url.ParseQuery(string(raw))

	m.mu.Lock()
	m.requests = append(m.requests, capturedRequest{
		Path:   req.URL.Path,
		ChatID: form.Get("chat_id"),
		Text:   form.Get("text"),
	})
	m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	status := m.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

const okResponse = `{"ok":true,"result":{"message_id":42,"date":1704067200,"chat":{"id":100,"type":"private"},"text":"hi"}}`

func TestSend(t *testing.T) {
	tests := []struct {
		name        string
		destination string
		wantChatID  string
	}{
		{name: "numeric chat", destination: "100", wantChatID: "100"},
		{name: "negative group chat", destination: "-1001234567890", wantChatID: "-1001234567890"},
		{name: "channel username", destination: "@my_channel", wantChatID: "@my_channel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockHTTPClient{body: okResponse}
			s := NewSender(client, "", 100)

			receipt, err := s.Send(context.Background(), "123:abc", tt.destination, "hello")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(42, receipt.MessageID); diff != "" {
				t.Errorf("message id mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(int64(100), receipt.ChatID); diff != "" {
				t.Errorf("chat id mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(int64(1704067200), receipt.SentAt.Unix()); diff != "" {
				t.Errorf("sent at mismatch (-want +got):\n%s", diff)
			}

			want := []capturedRequest{{Path: "/bot123:abc/sendMessage", ChatID: tt.wantChatID, Text: "hello"}}
			if diff := cmp.Diff(want, client.requests); diff != "" {
				t.Errorf("requests mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSendCustomEndpoint(t *testing.T) {
	client := &mockHTTPClient{body: okResponse}
	s := NewSender(client, "http://localhost:8081/bot%s/%s", 100)

	if _, err := s.Send(context.Background(), "tok", "1", "x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff("/bottok/sendMessage", client.requests[0].Path); diff != "" {
		t.Errorf("path mismatch (-want +got):\n%s", diff)
	}
}

func TestSendFailures(t *testing.T) {
	tests := []struct {
		name        string
		client      *mockHTTPClient
		credential  string
		destination string
		wantCalls   int
	}{
		{
			name:        "api error",
			client:      &mockHTTPClient{body: `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`, status: 403},
			credential:  "123:abc",
			destination: "100",
			wantCalls:   1,
		},
		{
			name:        "network error",
			client:      &mockHTTPClient{err: errors.New(`Post "https://api.telegram.org/bot123:abc/sendMessage": connection refused`)},
			credential:  "123:abc",
			destination: "100",
			wantCalls:   1,
		},
		{
			name:        "no message id",
			client:      &mockHTTPClient{body: `{"ok":true,"result":{}}`},
			credential:  "123:abc",
			destination: "100",
			wantCalls:   1,
		},
		{
			name:        "empty token",
			client:      &mockHTTPClient{body: okResponse},
			credential:  "",
			destination: "100",
		},
		{
			name:        "bad destination",
			client:      &mockHTTPClient{body: okResponse},
			credential:  "123:abc",
			destination: "someone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSender(tt.client, "", 100)
			_, err := s.Send(context.Background(), tt.credential, tt.destination, "hello")
			if !errors.Is(err, ErrDeliveryFailed) {
				t.Fatalf("expected ErrDeliveryFailed, got %v", err)
			}
			if tt.credential != "" && strings.Contains(err.Error(), tt.credential) {
				t.Errorf("error leaks the bot token: %v", err)
			}
			if diff := cmp.Diff(tt.wantCalls, len(tt.client.requests)); diff != "" {
				t.Errorf("request count mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSendCancelledContext(t *testing.T) {
	client := &mockHTTPClient{body: okResponse}
	s := NewSender(client, "", 1)

	ctx := context.Background()
	if _, err := s.Send(ctx, "tok", "1", "first"); err != nil {
		t.Fatalf("first send: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.Send(cancelled, "tok", "1", "second"); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if diff := cmp.Diff(1, len(client.requests)); diff != "" {
		t.Errorf("request count mismatch (-want +got):\n%s", diff)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantLen int
	}{
		{name: "cyrillic", text: strings.Repeat("ж", maxMessageLength+10), wantLen: maxMessageLength},
		{name: "emoji", text: strings.Repeat("🔥", maxMessageLength), wantLen: maxMessageLength - 1},
		{name: "mixed", text: "a" + strings.Repeat("🔥", maxMessageLength), wantLen: maxMessageLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.text)
			if diff := cmp.Diff(tt.wantLen, len(utf16.Encode([]rune(got)))); diff != "" {
				t.Errorf("UTF-16 length mismatch (-want +got):\n%s", diff)
			}
			if !strings.HasSuffix(got, "...") {
				t.Errorf("expected ellipsis suffix, got %q", got[len(got)-10:])
			}
			if !utf8.ValidString(got) {
				t.Error("truncated text is not valid UTF-8")
			}
		})
	}

	if diff := cmp.Diff("short", truncate("short")); diff != "" {
		t.Errorf("short text changed (-want +got):\n%s", diff)
	}
	exact := strings.Repeat("🔥", maxMessageLength/2)
	if diff := cmp.Diff(exact, truncate(exact)); diff != "" {
		t.Errorf("text at the limit changed (-want +got):\n%s", diff)
	}
}
