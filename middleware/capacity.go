package middleware

import (
	"net/http"
	"sync/atomic"

	"github.com/cascadevideo/cascade-api/metrics"
	"github.com/julienschmidt/httprouter"
)

type CapacityMiddleware struct {
	uploadsInFlight atomic.Int64
}

// HasCapacity sheds upload requests once maxInFlight are already streaming
// in, so a burst of large uploads cannot starve the rest of the API.
func (c *CapacityMiddleware) HasCapacity(maxInFlight int64, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		metrics.Metrics.HTTPRequestsInFlight.Add(1)
		defer metrics.Metrics.HTTPRequestsInFlight.Add(-1)

		inFlight := c.uploadsInFlight.Add(1)
		defer c.uploadsInFlight.Add(-1)

		if inFlight > maxInFlight {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		next(w, r, ps)
	}
}
