package notify

import "net/http"

func httpHandler(h *WSHub) http.Handler {
	return http.HandlerFunc(h.HandleWS)
}
