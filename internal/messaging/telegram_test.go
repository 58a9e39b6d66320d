package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func newTestTelegramService(t *testing.T, handler http.HandlerFunc) *TelegramService {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	svc, err := NewTelegramService(WithToken("test-token"), WithAPIBase(server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return svc
}

func TestTelegramSendMessage(t *testing.T) {
	var gotPath string
	var gotPayload map[string]any
	svc := newTestTelegramService(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotPayload)
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":77}}`)
	})

	id, err := svc.SendMessage(context.Background(), 42, "привет")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 77 {
		t.Errorf("message ID = %d, want 77", id)
	}
	if gotPath != "/bottest-token/sendMessage" {
		t.Errorf("path = %s", gotPath)
	}
	if gotPayload["text"] != "привет" || gotPayload["parse_mode"] != "Markdown" {
		t.Errorf("payload = %v", gotPayload)
	}
}

func TestTelegramSendWithButtons(t *testing.T) {
	var gotPayload map[string]any
	svc := newTestTelegramService(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotPayload)
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":1}}`)
	})

	_, err := svc.SendMessageWithButtons(context.Background(), 42, "итог", []Button{
		{Label: "✅ Подтвердить", Data: CallbackConfirm},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	markup, ok := gotPayload["reply_markup"].(map[string]any)
	if !ok {
		t.Fatalf("reply_markup missing: %v", gotPayload)
	}
	rows := markup["inline_keyboard"].([]any)
	if len(rows) != 1 {
		t.Errorf("keyboard rows = %d, want 1", len(rows))
	}
}

func TestTelegramSendRetriesServerErrors(t *testing.T) {
	calls := 0
	svc := newTestTelegramService(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			fmt.Fprint(w, `{"ok":false,"error_code":500,"description":"boom"}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":5}}`)
	})

	id, err := svc.SendMessage(context.Background(), 1, "x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 5 || calls != 2 {
		t.Errorf("id = %d, calls = %d", id, calls)
	}
}

func TestTelegramSendDoesNotRetryClientErrors(t *testing.T) {
	calls := 0
	svc := newTestTelegramService(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"bad request"}`)
	})

	if _, err := svc.SendMessage(context.Background(), 1, "x"); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("короткий текст"); got != "короткий текст" {
		t.Errorf("short text altered: %q", got)
	}
	long := strings.Repeat("п", 5000)
	got := truncate(long)
	if len(got) > 4096 {
		t.Errorf("truncated length = %d", len(got))
	}
	if !strings.HasSuffix(got, "…") {
		t.Error("truncation marker missing")
	}
	if !strings.HasPrefix(got, "ппп") {
		t.Errorf("truncation corrupted runes: %q", got[:12])
	}
}

func TestTelegramFetchRejectsOversizedFile(t *testing.T) {
	svc := newTestTelegramService(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "getFile") {
			fmt.Fprint(w, `{"ok":true,"result":{"file_id":"f1","file_size":999,"file_path":"voice/f1.oga"}}`)
			return
		}
		t.Error("download attempted for oversized file")
	})

	_, _, err := svc.Fetch(context.Background(), "f1", t.TempDir(), 100)
	if err == nil {
		t.Fatal("expected size-limit error")
	}
}

func TestTelegramFetchDownloads(t *testing.T) {
	svc := newTestTelegramService(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "getFile") {
			fmt.Fprint(w, `{"ok":true,"result":{"file_id":"f1","file_size":9,"file_path":"voice/f1.oga"}}`)
			return
		}
		w.Write([]byte("audiodata"))
	})

	dir := t.TempDir()
	path, size, err := svc.Fetch(context.Background(), "f1", dir, 1024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if size != 9 {
		t.Errorf("size = %d, want 9", size)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("downloaded file unreadable: %v", err)
	}
	if string(data) != "audiodata" {
		t.Errorf("downloaded content = %q", data)
	}
}
