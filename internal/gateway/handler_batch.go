package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"github.com/pitabwire/odatabatch/batch"
	"github.com/pitabwire/odatabatch/internal/config"
	"github.com/pitabwire/odatabatch/internal/plan"
	"github.com/pitabwire/odatabatch/model"
)

// ItemOutcome is the JSON form of one top-level batch item. Changesets list
// one entry per change operation under Results.
type ItemOutcome struct {
	Index   int                  `json:"index"`
	Kind    string               `json:"kind,omitempty"`
	Target  string               `json:"target,omitempty"`
	Success bool                 `json:"success"`
	Status  int                  `json:"status,omitempty"`
	ETag    string               `json:"etag,omitempty"`
	Body    json.RawMessage      `json:"body,omitempty"`
	Results []ItemOutcome        `json:"results,omitempty"`
	Error   *model.ErrorEnvelope `json:"error,omitempty"`
}

type batchHandler struct {
	cfg          *config.Config
	client       *batch.Client
	maxPlanBytes int64
}

// handleBatch executes a posted plan against a configured destination. Item
// failures are reported in the 200 body; only batch-level failures map to an
// error status.
func (h *batchHandler) handleBatch(w http.ResponseWriter, r *http.Request) {
	dest, err := h.cfg.Destination(chi.URLParam(r, "destination"))
	if err != nil {
		WriteError(w, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxPlanBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, model.NewInvalidArgumentError(fmt.Sprintf("plan exceeds %d bytes", tooLarge.Limit)))
			return
		}
		WriteError(w, model.NewInvalidArgumentError("read plan: "+err.Error()))
		return
	}

	p, err := plan.Parse(body)
	if err != nil {
		WriteError(w, err)
		return
	}
	req, err := p.Request()
	if err != nil {
		WriteError(w, err)
		return
	}

	resp, err := h.client.Execute(r.Context(), dest, req)
	if err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, Outcomes(resp))
}

// Outcomes converts a correlated response to its JSON form, in request order.
func Outcomes(resp *batch.Response) []ItemOutcome {
	items := resp.Items()
	out := make([]ItemOutcome, len(items))
	for i, it := range items {
		o := ItemOutcome{Index: i, Kind: it.Kind, Target: it.Target, Success: it.Err == nil}
		if it.Result != nil {
			fillResult(&o, it.Result)
		}
		if it.Kind == "changeset" {
			for j, res := range it.Outcome.Results() {
				sub := ItemOutcome{Index: j, Success: res.IsSuccess()}
				fillResult(&sub, res)
				o.Results = append(o.Results, sub)
			}
		}
		if it.Err != nil {
			o.Error = envelope(it.Err)
		}
		out[i] = o
	}
	return out
}

func fillResult(o *ItemOutcome, res *batch.Result) {
	o.Status = res.StatusCode
	o.ETag = res.ETag()
	if len(res.Body) > 0 && gjson.ValidBytes(res.Body) {
		o.Body = json.RawMessage(res.Body)
	}
}

func envelope(err error) *model.ErrorEnvelope {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ee
	}
	return &model.ErrorEnvelope{Code: model.ErrInternalError, Message: err.Error()}
}
