package handlers

import (
	"net/http"

	"github.com/nikhil/eaven-sync/internal/apperr"
)

type PresignRequest struct {
	Name string `json:"name"`
}

// PresignUpload hands out a URL the client uploads an attachment to. The
// returned object key goes into the message's attachment.
func (h *Handler) PresignUpload(w http.ResponseWriter, r *http.Request) {
	if h.Signer == nil {
		respondWithError(w, http.StatusServiceUnavailable, "attachment storage is not configured")
		return
	}
	var req PresignRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	up, err := h.Signer.PresignPut(r.Context(), req.Name)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindValidation {
			h.fail(w, r, err)
			return
		}
		h.fail(w, r, apperr.Transient("presign upload", err))
		return
	}
	respondWithJSON(w, http.StatusOK, up)
}
