package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kdinof/voice-retro-bot/internal/models"
	"github.com/kdinof/voice-retro-bot/internal/retry"
)

// Telegram Bot API configuration constants.
const (
	// DefaultAPIBase is the Telegram Bot API endpoint prefix.
	DefaultAPIBase = "https://api.telegram.org"
	// DefaultPollTimeout is the long-poll timeout for getUpdates.
	DefaultPollTimeout = 30 * time.Second
	// DefaultRequestTimeout bounds individual API calls.
	DefaultRequestTimeout = 35 * time.Second
	// DefaultSendAttempts is how many times transient send/edit failures
	// are retried before giving up.
	DefaultSendAttempts = 3
	// responseBufferSize is the capacity of the inbound response channel.
	responseBufferSize = 64
)

// sendBackoff is the delay schedule between send/edit retry attempts.
var sendBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// apiError is a non-OK reply from the Bot API.
type apiError struct {
	Code        int
	Description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

// isRetryable reports whether an error is worth another delivery attempt:
// transport-level failures, rate limiting and server-side errors.
func isRetryable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	// Unwrapped transport errors from http.Client come through as url.Error;
	// treat anything that is not an API rejection as transient.
	return !errors.As(err, &apiErr)
}

// TelegramService implements Service and AudioSource over the Telegram Bot
// API using long-polling for inbound updates.
type TelegramService struct {
	token     string
	apiBase   string
	client    *http.Client
	responses chan models.Response
	cancel    context.CancelFunc
	done      chan struct{}
}

// TelegramOpts holds configuration for NewTelegramService.
type TelegramOpts struct {
	Token   string
	APIBase string
	Client  *http.Client
}

// TelegramOption configures NewTelegramService.
type TelegramOption func(*TelegramOpts)

// WithToken sets the bot token.
func WithToken(token string) TelegramOption {
	return func(o *TelegramOpts) { o.Token = token }
}

// WithAPIBase overrides the Bot API endpoint (used by tests).
func WithAPIBase(base string) TelegramOption {
	return func(o *TelegramOpts) { o.APIBase = base }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) TelegramOption {
	return func(o *TelegramOpts) { o.Client = c }
}

// NewTelegramService creates a Telegram-backed delivery service.
func NewTelegramService(opts ...TelegramOption) (*TelegramService, error) {
	var cfg TelegramOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		slog.Error("TelegramService token not set")
		return nil, fmt.Errorf("telegram bot token not set")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: DefaultRequestTimeout}
	}
	return &TelegramService{
		token:     cfg.Token,
		apiBase:   cfg.APIBase,
		client:    cfg.Client,
		responses: make(chan models.Response, responseBufferSize),
		done:      make(chan struct{}),
	}, nil
}

// apiResult is the envelope every Bot API method returns.
type apiResult struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

// call POSTs a JSON payload to a Bot API method and decodes the result into out.
func (t *TelegramService) call(ctx context.Context, method string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", t.apiBase, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var result apiResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("telegram %s decode failed: %w", method, err)
	}
	if !result.OK {
		return &apiError{Code: result.ErrorCode, Description: result.Description}
	}
	if out != nil {
		if err := json.Unmarshal(result.Result, out); err != nil {
			return fmt.Errorf("telegram %s result decode failed: %w", method, err)
		}
	}
	return nil
}

// truncate caps message text at the Bot API length limit, cutting on a rune
// boundary.
func truncate(text string) string {
	if len(text) <= models.MaxTelegramMessageLength {
		return text
	}
	cut := models.MaxTelegramMessageLength - len("…")
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}

// inlineKeyboard builds the reply_markup structure for button rows, one
// button per row.
func inlineKeyboard(buttons []Button) map[string]any {
	rows := make([][]map[string]string, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, []map[string]string{{"text": b.Label, "callback_data": b.Data}})
	}
	return map[string]any{"inline_keyboard": rows}
}

type sentMessage struct {
	MessageID int `json:"message_id"`
}

// SendMessage sends a Markdown message and returns its message ID.
func (t *TelegramService) SendMessage(ctx context.Context, to int64, text string) (int, error) {
	return t.send(ctx, to, text, nil)
}

// SendMessageWithButtons sends a Markdown message with an inline keyboard.
func (t *TelegramService) SendMessageWithButtons(ctx context.Context, to int64, text string, buttons []Button) (int, error) {
	return t.send(ctx, to, text, buttons)
}

func (t *TelegramService) send(ctx context.Context, to int64, text string, buttons []Button) (int, error) {
	payload := map[string]any{
		"chat_id":    to,
		"text":       truncate(text),
		"parse_mode": "Markdown",
	}
	if len(buttons) > 0 {
		payload["reply_markup"] = inlineKeyboard(buttons)
	}

	var msg sentMessage
	err := retry.Do(ctx, DefaultSendAttempts, sendBackoff, isRetryable, func(ctx context.Context) error {
		return t.call(ctx, "sendMessage", payload, &msg)
	})
	if err != nil {
		slog.Error("TelegramService SendMessage failed", "error", err, "to", to)
		return 0, fmt.Errorf("failed to send message to %d: %w", to, err)
	}
	slog.Debug("TelegramService SendMessage succeeded", "to", to, "messageID", msg.MessageID)
	return msg.MessageID, nil
}

// EditMessage replaces the text of a previously sent message in place.
func (t *TelegramService) EditMessage(ctx context.Context, to int64, messageID int, text string) error {
	payload := map[string]any{
		"chat_id":    to,
		"message_id": messageID,
		"text":       truncate(text),
	}
	err := retry.Do(ctx, DefaultSendAttempts, sendBackoff, isRetryable, func(ctx context.Context) error {
		return t.call(ctx, "editMessageText", payload, nil)
	})
	if err != nil {
		slog.Error("TelegramService EditMessage failed", "error", err, "to", to, "messageID", messageID)
		return fmt.Errorf("failed to edit message %d for %d: %w", messageID, to, err)
	}
	return nil
}

// telegramFile is the getFile result.
type telegramFile struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
	FilePath string `json:"file_path"`
}

// Fetch resolves a voice file reference and downloads the artifact into dir.
// The declared size reported by getFile is checked against maxSize before
// any payload is transferred.
func (t *TelegramService) Fetch(ctx context.Context, fileRef, dir string, maxSize int64) (string, int64, error) {
	var file telegramFile
	if err := t.call(ctx, "getFile", map[string]any{"file_id": fileRef}, &file); err != nil {
		slog.Error("TelegramService Fetch getFile failed", "error", err, "fileRef", fileRef)
		return "", 0, fmt.Errorf("failed to resolve file %s: %w", fileRef, err)
	}
	if maxSize > 0 && file.FileSize > maxSize {
		slog.Warn("TelegramService Fetch file exceeds size limit", "fileRef", fileRef, "size", file.FileSize, "limit", maxSize)
		return "", 0, fmt.Errorf("file size %d exceeds limit %d", file.FileSize, maxSize)
	}

	url := fmt.Sprintf("%s/file/bot%s/%s", t.apiBase, t.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to download file %s: %w", fileRef, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("file download returned status %d", resp.StatusCode)
	}

	path := filepath.Join(dir, fmt.Sprintf("voice_%s.ogg", uuid.NewString()[:8]))
	out, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	written, err := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("failed to write temp file: %w", err)
	}
	slog.Debug("TelegramService Fetch succeeded", "fileRef", fileRef, "path", path, "size", written)
	return path, written, nil
}

// update mirrors the subset of the getUpdates payload the bot consumes.
type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int `json:"message_id"`
		From      *struct {
			ID           int64  `json:"id"`
			FirstName    string `json:"first_name"`
			Username     string `json:"username"`
			LanguageCode string `json:"language_code"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Date  int64  `json:"date"`
		Text  string `json:"text"`
		Voice *struct {
			FileID   string `json:"file_id"`
			Duration int    `json:"duration"`
		} `json:"voice"`
	} `json:"message"`
	CallbackQuery *struct {
		ID   string `json:"id"`
		From struct {
			ID           int64  `json:"id"`
			FirstName    string `json:"first_name"`
			Username     string `json:"username"`
			LanguageCode string `json:"language_code"`
		} `json:"from"`
		Message *struct {
			MessageID int `json:"message_id"`
			Chat      struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
		Data string `json:"data"`
	} `json:"callback_query"`
}

// Start launches the long-polling loop. It returns immediately; updates are
// delivered through Responses until Stop is called.
func (t *TelegramService) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.pollLoop(pollCtx)
	slog.Info("TelegramService started long-polling")
	return nil
}

// Stop terminates the polling loop and closes the response channel.
func (t *TelegramService) Stop() error {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
	close(t.responses)
	slog.Info("TelegramService stopped")
	return nil
}

// Responses returns the channel of inbound participant responses.
func (t *TelegramService) Responses() <-chan models.Response {
	return t.responses
}

func (t *TelegramService) pollLoop(ctx context.Context) {
	defer close(t.done)
	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := t.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("TelegramService getUpdates failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for _, u := range updates {
			offset = u.UpdateID + 1
			if resp, ok := t.translate(ctx, u); ok {
				select {
				case t.responses <- resp:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (t *TelegramService) getUpdates(ctx context.Context, offset int64) ([]update, error) {
	payload := map[string]any{
		"offset":          offset,
		"timeout":         int(DefaultPollTimeout.Seconds()),
		"allowed_updates": []string{"message", "callback_query"},
	}
	var updates []update
	if err := t.call(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// translate converts a raw update into a models.Response. Callback queries
// are acknowledged so the client stops showing a spinner.
func (t *TelegramService) translate(ctx context.Context, u update) (models.Response, bool) {
	switch {
	case u.Message != nil && u.Message.From != nil:
		resp := models.Response{
			From:      u.Message.Chat.ID,
			FirstName: u.Message.From.FirstName,
			Username:  u.Message.From.Username,
			Language:  u.Message.From.LanguageCode,
			Body:      u.Message.Text,
			MessageID: u.Message.MessageID,
			Time:      u.Message.Date,
		}
		if u.Message.Voice != nil {
			resp.VoiceFileID = u.Message.Voice.FileID
		}
		return resp, true
	case u.CallbackQuery != nil && u.CallbackQuery.Message != nil:
		if err := t.call(ctx, "answerCallbackQuery", map[string]any{"callback_query_id": u.CallbackQuery.ID}, nil); err != nil {
			slog.Warn("TelegramService answerCallbackQuery failed", "error", err)
		}
		return models.Response{
			From:      u.CallbackQuery.Message.Chat.ID,
			FirstName: u.CallbackQuery.From.FirstName,
			Username:  u.CallbackQuery.From.Username,
			Language:  u.CallbackQuery.From.LanguageCode,
			Callback:  u.CallbackQuery.Data,
			MessageID: u.CallbackQuery.Message.MessageID,
			Time:      time.Now().Unix(),
		}, true
	default:
		return models.Response{}, false
	}
}
