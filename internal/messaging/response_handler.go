package messaging

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/kdinof/voice-retro-bot/internal/models"
)

// Callback data values attached to inline keyboard buttons.
const (
	CallbackSkip    = "retro:skip"
	CallbackConfirm = "retro:confirm"
)

// ConversationEngine drives the retro dialogue in reaction to participant
// responses. Implemented by flow.Engine.
type ConversationEngine interface {
	Start(ctx context.Context, resp models.Response) error
	HandleAnswer(ctx context.Context, resp models.Response) error
	Skip(ctx context.Context, resp models.Response) error
	Confirm(ctx context.Context, resp models.Response) error
	Stop(ctx context.Context, resp models.Response) error
	ShowToday(ctx context.Context, resp models.Response) error
}

// ResponseHandler routes inbound responses to engine operations.
type ResponseHandler struct {
	engine ConversationEngine
}

// NewResponseHandler creates a router over the given engine.
func NewResponseHandler(engine ConversationEngine) *ResponseHandler {
	return &ResponseHandler{engine: engine}
}

// Handle dispatches a single response. Commands take precedence over free
// text; callback buttons map to skip and confirm; everything else is treated
// as an answer to the current question.
func (h *ResponseHandler) Handle(ctx context.Context, resp models.Response) {
	var err error
	switch {
	case resp.Callback == CallbackSkip:
		err = h.engine.Skip(ctx, resp)
	case resp.Callback == CallbackConfirm:
		err = h.engine.Confirm(ctx, resp)
	case resp.Callback != "":
		slog.Warn("ResponseHandler ignoring unknown callback", "from", resp.From, "data", resp.Callback)
		return
	case isCommand(resp.Body, "/start"), isCommand(resp.Body, "/retro"):
		err = h.engine.Start(ctx, resp)
	case isCommand(resp.Body, "/stop"):
		err = h.engine.Stop(ctx, resp)
	case isCommand(resp.Body, "/today"):
		err = h.engine.ShowToday(ctx, resp)
	default:
		err = h.engine.HandleAnswer(ctx, resp)
	}
	if err != nil {
		slog.Error("ResponseHandler dispatch failed", "error", err, "from", resp.From)
	}
}

// Run consumes responses from the channel until it closes or ctx ends. Each
// response is handled in its own goroutine so a slow voice-processing run for
// one participant does not block the others; the engine serializes work per
// participant itself.
func (h *ResponseHandler) Run(ctx context.Context, responses <-chan models.Response) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-responses:
			if !ok {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.Handle(ctx, resp)
			}()
		}
	}
}

func isCommand(body, cmd string) bool {
	trimmed := strings.TrimSpace(body)
	if trimmed == cmd {
		return true
	}
	// Commands in groups arrive as /cmd@BotName.
	return strings.HasPrefix(trimmed, cmd+"@") || strings.HasPrefix(trimmed, cmd+" ")
}
