package server

import (
	"net/http"
	"time"

	"github.com/ashita-ai/kujo/internal/ctxutil"
	"github.com/ashita-ai/kujo/internal/model"
	"github.com/ashita-ai/kujo/internal/storage"
)

// HandleListClusters handles GET /v1/clusters?active=.
func (h *Handlers) HandleListClusters(w http.ResponseWriter, r *http.Request) {
	active, err := queryBool(r, "active")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	f := storage.ClusterFilter{Active: active, Limit: queryLimit(r, 50), Offset: queryOffset(r)}
	items, total, err := h.store.ListClusters(r.Context(), ctxutil.TenantIDFromContext(r.Context()), f)
	if err != nil {
		h.writeStoreError(w, r, "list clusters", err)
		return
	}
	if items == nil {
		items = []model.Cluster{}
	}
	writeList(w, r, items, len(items), total, f.Limit, f.Offset)
}

// HandleGetCluster handles GET /v1/clusters/{id}.
func (h *Handlers) HandleGetCluster(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	tenantID := ctxutil.TenantIDFromContext(r.Context())
	cl, err := h.store.GetCluster(r.Context(), tenantID, id)
	if err != nil {
		h.writeStoreError(w, r, "get cluster", err)
		return
	}
	members, err := h.store.ListClusterMembers(r.Context(), tenantID, id)
	if err != nil {
		h.writeStoreError(w, r, "list cluster members", err)
		return
	}
	if members == nil {
		members = []model.Complaint{}
	}
	writeJSON(w, r, http.StatusOK, model.ClusterDetail{Cluster: cl, State: cl.State(), Complaints: members})
}

// HandleAcknowledgeCluster handles POST /v1/clusters/{id}/acknowledge.
func (h *Handlers) HandleAcknowledgeCluster(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	claims := ctxutil.ClaimsFromContext(r.Context())
	cl, err := h.store.AcknowledgeCluster(r.Context(), claims.TenantID, id, claims.UserID())
	if err != nil {
		h.writeStoreError(w, r, "acknowledge cluster", err)
		return
	}
	h.logger.Info("cluster acknowledged", "cluster_id", id, "tenant_id", claims.TenantID, "user_id", claims.UserID())
	writeJSON(w, r, http.StatusOK, cl)
}

// HandleDeactivateCluster handles POST /v1/clusters/{id}/deactivate.
func (h *Handlers) HandleDeactivateCluster(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	claims := ctxutil.ClaimsFromContext(r.Context())
	cl, err := h.store.DeactivateCluster(r.Context(), claims.TenantID, id)
	if err != nil {
		h.writeStoreError(w, r, "deactivate cluster", err)
		return
	}
	h.logger.Info("cluster deactivated", "cluster_id", id, "tenant_id", claims.TenantID, "user_id", claims.UserID())
	writeJSON(w, r, http.StatusOK, cl)
}

// HandleAlerts handles GET /v1/alerts.
func (h *Handlers) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	tenantID := ctxutil.TenantIDFromContext(r.Context())
	active := true
	clusters, _, err := h.store.ListClusters(r.Context(), tenantID, storage.ClusterFilter{
		Active: &active, Unacknowledged: true, Limit: queryLimit(r, 100),
	})
	if err != nil {
		h.writeStoreError(w, r, "list alerts", err)
		return
	}
	spike, err := h.spikes.SpikeStatus(r.Context(), tenantID)
	if err != nil {
		h.writeStoreError(w, r, "spike status", err)
		return
	}
	if clusters == nil {
		clusters = []model.Cluster{}
	}
	writeJSON(w, r, http.StatusOK, model.AlertsView{Clusters: clusters, Spike: spike})
}

// HandleSubscribe handles GET /v1/subscribe, a Server-Sent Events stream
// of the tenant's cluster created and joined events.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "event stream not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming unsupported")
		return
	}

	// The stream outlives the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.broker.Subscribe(ctxutil.TenantIDFromContext(r.Context()))
	defer h.broker.Unsubscribe(ch)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if _, err := w.Write(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
