package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bazaar-hub/gatekeeper/internal/ids"
)

// The storefront and dashboard endpoints stand in for the application
// operations the guard protects. They return fixed data.

type product struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	SellerID   string `json:"seller_id,omitempty"`
}

var catalog = []product{
	{ID: "p-1001", Name: "Walnut cutting board", PriceCents: 4500},
	{ID: "p-1002", Name: "Linen tea towel", PriceCents: 1200},
	{ID: "p-1003", Name: "Stoneware mug", PriceCents: 2200},
}

type createProductRequest struct {
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
}

func (a *API) handleCatalog(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{"products": catalog}
	if id := identity(r); id != nil {
		data["viewer"] = id.ID()
	}
	writeData(w, http.StatusOK, "catalog", data)
}

func (a *API) handleChatThreads(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, "chat threads", map[string]any{
		"owner":   identity(r).ID(),
		"threads": []map[string]string{},
	})
}

func (a *API) handleSellerDashboard(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, "seller dashboard", map[string]any{
		"seller_id":     identity(r).ID(),
		"open_orders":   0,
		"listed_items":  len(catalog),
		"payout_status": "none",
	})
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if err := decodeJSON(w, r, &req, a.cfg.MaxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	if req.PriceCents <= 0 {
		writeError(w, r, http.StatusBadRequest, "price_cents must be positive")
		return
	}
	p := product{
		ID:         ids.New(),
		Name:       req.Name,
		PriceCents: req.PriceCents,
		SellerID:   identity(r).ID(),
	}
	w.Header().Set("Location", "/v1/catalog/"+p.ID)
	writeData(w, http.StatusCreated, "product created", p)
}

func (a *API) handleResolveReport(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, "report resolved", map[string]string{
		"report_id":   chi.URLParam(r, "id"),
		"resolved_by": identity(r).ID(),
	})
}
