package endpoints

import (
	"encoding/json"
	"net/http"

	"github.com/taskauction/exchange/internal/category"
	"github.com/taskauction/exchange/internal/exchange"
)

// CategoryHandler handles POST /v1/categories (SPEC_FULL.md supplement:
// operator-side category declaration, §4.3). Agent subscription to a
// declared category happens separately, over the connect-time
// `categories` query parameter or a category_subscribe wire message.
type CategoryHandler struct {
	ex *exchange.Exchange
}

// NewCategoryHandler creates a new category declaration handler.
func NewCategoryHandler(ex *exchange.Exchange) *CategoryHandler {
	return &CategoryHandler{ex: ex}
}

type declareCategoryRequest struct {
	CategoryID  string            `json:"categoryId"`
	Keywords    []string          `json:"keywords,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Specificity int               `json:"specificity,omitempty"`
}

// ServeHTTP declares or updates a category's match pattern.
func (h *CategoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req declareCategoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CategoryID == "" {
		writeError(w, "categoryId is required", http.StatusBadRequest)
		return
	}
	if len(req.Keywords) == 0 && len(req.Metadata) == 0 {
		writeError(w, "at least one of keywords or metadata is required", http.StatusBadRequest)
		return
	}

	h.ex.Categories().DeclareCategory(category.Pattern{
		CategoryID:  req.CategoryID,
		Keywords:    req.Keywords,
		Metadata:    req.Metadata,
		Specificity: req.Specificity,
	})
	writeJSON(w, http.StatusOK, map[string]any{"categoryId": req.CategoryID})
}
