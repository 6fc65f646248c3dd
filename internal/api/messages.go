package api

import (
	"errors"
	"net/http"

	"wagate/internal/outbound"
)

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req outbound.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.cfg.Sender.Send(r.Context(), identityFrom(r.Context()), req)
	if err != nil {
		var se *outbound.Error
		if errors.As(err, &se) {
			writeReason(w, se.Status, se.Reason)
			return
		}
		if r.Context().Err() != nil {
			writeError(w, http.StatusRequestTimeout, "CANCELLED", "request cancelled before the message was sent")
			return
		}
		s.logger.Error("send failed", "err", err)
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
