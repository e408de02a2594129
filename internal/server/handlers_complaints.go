package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kujo/internal/ctxutil"
	"github.com/ashita-ai/kujo/internal/integrity"
	"github.com/ashita-ai/kujo/internal/model"
	"github.com/ashita-ai/kujo/internal/storage"
)

func requestID(r *http.Request) string {
	return ctxutil.RequestIDFromContext(r.Context())
}

// HandleCreateComplaint handles POST /v1/complaints. With submit=true the
// complaint is submitted and queued for triage in the same call.
func (h *Handlers) HandleCreateComplaint(w http.ResponseWriter, r *http.Request) {
	var req model.CreateComplaintRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	tenantID := ctxutil.TenantIDFromContext(r.Context())

	c, err := h.store.CreateComplaint(r.Context(), tenantID, req)
	if err != nil {
		h.writeStoreError(w, r, "create complaint", err)
		return
	}
	if req.Submit {
		if c, err = h.submit(r, c.ID); err != nil {
			h.writeStoreError(w, r, "submit complaint", err)
			return
		}
	}
	writeJSON(w, r, http.StatusCreated, c)
}

// HandleGetComplaint handles GET /v1/complaints/{id}.
func (h *Handlers) HandleGetComplaint(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	c, err := h.store.GetComplaint(r.Context(), ctxutil.TenantIDFromContext(r.Context()), id)
	if err != nil {
		h.writeStoreError(w, r, "get complaint", err)
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}

// HandleListComplaints handles GET /v1/complaints?status=&routing=.
func (h *Handlers) HandleListComplaints(w http.ResponseWriter, r *http.Request) {
	f := storage.ComplaintFilter{Limit: queryLimit(r, 50), Offset: queryOffset(r)}
	if v := r.URL.Query().Get("status"); v != "" {
		s := model.ComplaintStatus(v)
		f.Status = &s
	}
	if v := r.URL.Query().Get("routing"); v != "" {
		rt := model.Routing(v)
		if !rt.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid routing: "+v)
			return
		}
		f.Routing = &rt
	}
	items, total, err := h.store.ListComplaints(r.Context(), ctxutil.TenantIDFromContext(r.Context()), f)
	if err != nil {
		h.writeStoreError(w, r, "list complaints", err)
		return
	}
	if items == nil {
		items = []model.Complaint{}
	}
	writeList(w, r, items, len(items), total, f.Limit, f.Offset)
}

// HandleSubmitComplaint handles POST /v1/complaints/{id}/submit.
func (h *Handlers) HandleSubmitComplaint(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	c, err := h.submit(r, id)
	if err != nil {
		h.writeStoreError(w, r, "submit complaint", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, c)
}

// submit moves the complaint to submitted and enqueues triage.
func (h *Handlers) submit(r *http.Request, id uuid.UUID) (model.Complaint, error) {
	tenantID := ctxutil.TenantIDFromContext(r.Context())
	c, err := h.store.SubmitComplaint(r.Context(), tenantID, id)
	if err != nil {
		return model.Complaint{}, err
	}
	return c, h.enqueueTriage(r, c)
}

func (h *Handlers) enqueueTriage(r *http.Request, c model.Complaint) error {
	return h.dispatch.Enqueue(r.Context(), model.QueueTriage, model.Job{
		ID:          uuid.New(),
		ComplaintID: c.ID,
		TenantID:    c.TenantID,
		RawText:     c.RawText,
		BusinessID:  c.BusinessID,
		EnqueuedAt:  time.Now().UTC(),
	})
}

// HandleRetriage handles POST /v1/complaints/{id}/triage. It re-queues a
// submitted complaint, e.g. after a malformed model reply.
func (h *Handlers) HandleRetriage(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	c, err := h.store.GetComplaint(r.Context(), ctxutil.TenantIDFromContext(r.Context()), id)
	if err != nil {
		h.writeStoreError(w, r, "get complaint", err)
		return
	}
	if c.Status == model.StatusDraft {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "complaint has not been submitted")
		return
	}
	if err := h.enqueueTriage(r, c); err != nil {
		h.writeStoreError(w, r, "enqueue triage", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{"complaint_id": c.ID, "queued": true})
}

// HandleGetTriage handles GET /v1/complaints/{id}/triage.
func (h *Handlers) HandleGetTriage(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	tenantID := ctxutil.TenantIDFromContext(r.Context())
	c, err := h.store.GetComplaint(r.Context(), tenantID, id)
	if err != nil {
		h.writeStoreError(w, r, "get complaint", err)
		return
	}
	outputs, err := h.store.ListAIOutputs(r.Context(), tenantID, id)
	if err != nil {
		h.writeStoreError(w, r, "list ai outputs", err)
		return
	}
	if outputs == nil {
		outputs = []model.AIOutput{}
	}
	intact := true
	for _, o := range outputs {
		if !integrity.Verify(o) {
			intact = false
			h.logger.Warn("ai output failed integrity check",
				"output_id", o.ID, "complaint_id", id, "tenant_id", tenantID)
		}
	}
	writeJSON(w, r, http.StatusOK, model.TriageView{
		Complaint: c,
		Outputs:   outputs,
		AuditRoot: integrity.AuditRoot(outputs),
		Intact:    intact,
	})
}

// HandleOverride handles POST /v1/complaints/{id}/override.
func (h *Handlers) HandleOverride(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.OverrideRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	claims := ctxutil.ClaimsFromContext(r.Context())
	c, err := h.triage.Override(r.Context(), claims.TenantID, id, claims.UserID(), req)
	if err != nil {
		h.writeStoreError(w, r, "override", err)
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}

// HandleMissingData handles POST /v1/complaints/{id}/missing-data.
func (h *Handlers) HandleMissingData(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.MissingDataRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	}
	g, err := h.triage.MissingData(r.Context(), ctxutil.TenantIDFromContext(r.Context()), id, req.CurrentData)
	if err != nil {
		h.writeStoreError(w, r, "missing data", err)
		return
	}
	writeJSON(w, r, http.StatusOK, g)
}
