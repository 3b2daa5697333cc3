package handlers

import (
	"net/http"

	xerrors "github.com/cascadevideo/cascade-api/errors"
	"github.com/cascadevideo/cascade-api/log"
	"github.com/cascadevideo/cascade-api/requests"
	"github.com/julienschmidt/httprouter"
)

// QueueStats reports the live depth of each queue state for dashboards and
// smoke tests.
func (d *CascadeAPIHandlersCollection) QueueStats() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		requestID := requests.GetRequestId(req)

		stats, err := d.Queue.Stats(req.Context())
		if err != nil {
			log.LogError(requestID, "error reading queue stats", err)
			xerrors.WriteHTTPQueueUnavailable(w, "queue stats unavailable", nil)
			return
		}
		respond(w, requestID, http.StatusOK, stats)
	}
}
