package server

import (
	"net/http"
	"time"

	"github.com/ashita-ai/kujo/internal/ctxutil"
	"github.com/ashita-ai/kujo/internal/model"
)

// HandleHeatmap handles GET /v1/insights/heatmap?days=.
func (h *Handlers) HandleHeatmap(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	if days < 1 || days > 3650 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "days must be between 1 and 3650")
		return
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	cells, err := h.store.Heatmap(r.Context(), ctxutil.TenantIDFromContext(r.Context()), since)
	if err != nil {
		h.writeStoreError(w, r, "heatmap", err)
		return
	}
	if cells == nil {
		cells = []model.HeatmapCell{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"days": days, "cells": cells})
}

// HandleRepeatOffenders handles GET /v1/insights/repeat-offenders?min=.
func (h *Handlers) HandleRepeatOffenders(w http.ResponseWriter, r *http.Request) {
	minCount := queryInt(r, "min", 3)
	if minCount < 1 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "min must be at least 1")
		return
	}
	rows, err := h.store.RepeatOffenders(r.Context(), ctxutil.TenantIDFromContext(r.Context()), minCount, queryLimit(r, 50))
	if err != nil {
		h.writeStoreError(w, r, "repeat offenders", err)
		return
	}
	if rows == nil {
		rows = []model.RepeatOffender{}
	}
	writeJSON(w, r, http.StatusOK, rows)
}

// HandleGetWeights handles GET /v1/tenant/weights.
func (h *Handlers) HandleGetWeights(w http.ResponseWriter, r *http.Request) {
	weights, err := h.triage.Weights(r.Context(), ctxutil.TenantIDFromContext(r.Context()))
	if err != nil {
		h.writeStoreError(w, r, "get weights", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.WeightsView{Weights: weights, Warning: weights.DriftWarning()})
}

// HandlePutWeights handles PUT /v1/tenant/weights.
func (h *Handlers) HandlePutWeights(w http.ResponseWriter, r *http.Request) {
	var weights model.PriorityWeights
	if err := decodeJSON(w, r, &weights, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := weights.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	view, err := h.triage.SetWeights(r.Context(), ctxutil.TenantIDFromContext(r.Context()), weights)
	if err != nil {
		h.writeStoreError(w, r, "set weights", err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}
