package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/cascadevideo/cascade-api/log"
	"github.com/julienschmidt/httprouter"
)

type HealthcheckResponse struct {
	Status string `json:"status"`
}

// Returns an HTTP 200 while the process is able to serve requests. Used by
// load balancers and container orchestration for liveness.
func (d *CascadeAPIHandlersCollection) Healthcheck() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		responseObject := HealthcheckResponse{
			Status: "ok",
		}

		b, err := json.Marshal(responseObject)
		if err != nil {
			log.LogNoRequestID("Failed to marshal healthcheck status: " + err.Error())
			b = []byte(`{"status": "marshalling status failed"}`)
		}

		w.Header().Set("Content-Type", "application/json")
		if _, err := io.Writer.Write(w, b); err != nil {
			log.LogNoRequestID("Failed to write HTTP response for " + req.URL.RawPath)
		}
	}
}
