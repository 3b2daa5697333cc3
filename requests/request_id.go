package requests

import (
	"net/http"

	"github.com/cascadevideo/cascade-api/config"
)

const requestIDHeader = "X-Request-ID"

// GetRequestId returns the inbound request's ID, minting one when the caller
// did not send an X-Request-ID header. The minted ID is written back onto the
// request so later middleware sees the same value.
func GetRequestId(req *http.Request) string {
	requestID := req.Header.Get(requestIDHeader)
	if requestID != "" {
		return requestID
	}
	requestID = config.RandomTrailer(8)
	req.Header.Set(requestIDHeader, requestID)
	return requestID
}
