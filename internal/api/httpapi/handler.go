// Package httpapi exposes Notify to an out-of-process crawler over HTTP,
// together with /metrics, /healthz and optional pprof endpoints.
package httpapi

import (
	"context"
	"errors"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"
	"github.com/segmentio/ksuid"

	"watchbot/internal/dispatch"
	"watchbot/internal/subscription"
	logx "watchbot/pkg/logx"
)

// Notifier is the manager surface used by the API.
type Notifier[ID comparable] interface {
	Notify(ctx context.Context, sel subscription.Selector[ID], message, pictureURL string) ([]dispatch.Outcome[ID], error)
}

// NotifyRequest selects recipients either by query URL plus listing text,
// or directly by client id.
type NotifyRequest[ID comparable] struct {
	QueryURL    string `json:"query_url"`
	ListingText string `json:"listing_text"`
	Message     string `json:"message"`
	PictureURL  string `json:"picture_url"`
	ClientID    *ID    `json:"client_id,omitempty"`
}

type OutcomeDTO[ID comparable] struct {
	ClientID ID     `json:"client_id"`
	Kind     string `json:"kind"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

type NotifyResponse[ID comparable] struct {
	BatchID  string           `json:"batch_id"`
	Outcomes []OutcomeDTO[ID] `json:"outcomes"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Handler[ID comparable] struct {
	notifier Notifier[ID]
	policy   *bluemonday.Policy
	log      logx.Logger
	timeout  time.Duration
}

func NewHandler[ID comparable](n Notifier[ID], timeout time.Duration, log logx.Logger) *Handler[ID] {
	if log.IsZero() {
		log = logx.Nop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Handler[ID]{
		notifier: n,
		policy:   bluemonday.StrictPolicy(),
		log:      log.With(logx.String("comp", "httpapi")),
		timeout:  timeout,
	}
}

func (h *Handler[ID]) Notify(ctx *gin.Context) {
	var req NotifyRequest[ID]
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	msg := h.plainText(req.Message)
	if msg == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse{Error: "message is required"})
		return
	}

	var sel subscription.Selector[ID]
	switch {
	case req.ClientID != nil:
		sel = subscription.ByClient(*req.ClientID)
	case strings.TrimSpace(req.QueryURL) != "":
		if _, err := subscription.NormalizeURL(req.QueryURL); err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		sel = subscription.MatchingListing[ID](req.QueryURL, req.ListingText)
	default:
		ctx.JSON(http.StatusBadRequest, errorResponse{Error: "query_url or client_id is required"})
		return
	}

	batch := ksuid.New().String()
	log := h.log.With(logx.String("batch_id", batch))
	nctx, cancel := context.WithTimeout(ctx.Request.Context(), h.timeout)
	defer cancel()

	outs, err := h.notifier.Notify(nctx, sel, msg, strings.TrimSpace(req.PictureURL))
	if err != nil {
		log.Error("notify failed", logx.Err(err))
		status := http.StatusInternalServerError
		if errors.Is(err, subscription.ErrStorage) {
			status = http.StatusServiceUnavailable
		}
		ctx.JSON(status, errorResponse{Error: "notify failed"})
		return
	}

	resp := NotifyResponse[ID]{BatchID: batch, Outcomes: make([]OutcomeDTO[ID], 0, len(outs))}
	for _, o := range outs {
		dto := OutcomeDTO[ID]{ClientID: o.ClientID, Kind: string(o.Kind), Status: o.Status.String(), Attempts: o.Attempts}
		if o.Err != nil {
			dto.Error = o.Err.Error()
		}
		resp.Outcomes = append(resp.Outcomes, dto)
	}
	log.Debug("notify handled", logx.Int("recipients", len(outs)))
	ctx.JSON(http.StatusOK, resp)
}

// plainText strips markup from crawler-provided text. Crawlers often pass
// listing snippets with HTML in them.
func (h *Handler[ID]) plainText(s string) string {
	return strings.TrimSpace(html.UnescapeString(h.policy.Sanitize(s)))
}
