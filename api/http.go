package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cascadevideo/cascade-api/config"
	"github.com/cascadevideo/cascade-api/errors"
	"github.com/cascadevideo/cascade-api/handlers"
	"github.com/cascadevideo/cascade-api/log"
	"github.com/cascadevideo/cascade-api/middleware"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxConcurrentUploads bounds how many multipart uploads may stream in at
// once before the API starts shedding with 429s.
const maxConcurrentUploads = 16

func ListenAndServe(ctx context.Context, cli config.Cli, apiHandlers *handlers.CascadeAPIHandlersCollection) error {
	router := NewCascadeAPIRouter(cli, apiHandlers)
	server := http.Server{Addr: fmt.Sprintf(":%d", cli.Port), Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoRequestID(
		"Starting Cascade API!",
		"version", config.Version,
		"host", server.Addr,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), cli.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(ctx)
}

func NewCascadeAPIRouter(cli config.Cli, apiHandlers *handlers.CascadeAPIHandlersCollection) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest()
	withCORS := middleware.AllowCORS(cli.CORSOrigin)
	capacity := &middleware.CapacityMiddleware{}

	router.GlobalOPTIONS = middleware.PreflightOPTIONS(cli.CORSOrigin)

	// Liveness and metrics
	router.GET("/healthz", withLogging(apiHandlers.Healthcheck()))
	router.Handler("GET", "/metrics", promhttp.Handler())

	// httprouter cannot mix the static upload path with the :id routes in
	// the POST tree, so both go through :id and dispatch on the value.
	upload := capacity.HasCapacity(maxConcurrentUploads, apiHandlers.UploadVideo())
	router.POST("/api/v1/videos/:id", withLogging(withCORS(
		func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			if ps.ByName("id") == "upload" {
				upload(w, r, ps)
				return
			}
			errors.WriteHTTPVideoNotFound(w, "not found", nil)
		})))
	router.POST("/api/v1/videos/:id/retry", withLogging(withCORS(apiHandlers.RetryVideo())))

	router.GET("/api/v1/videos", withLogging(withCORS(apiHandlers.ListVideos())))
	router.GET("/api/v1/videos/:id", withLogging(withCORS(apiHandlers.GetVideo())))
	router.GET("/api/v1/videos/:id/status", withLogging(withCORS(apiHandlers.GetVideoStatus())))
	router.GET("/api/v1/videos/:id/thumbnail", withLogging(withCORS(apiHandlers.VideoThumbnail())))
	router.DELETE("/api/v1/videos/:id", withLogging(withCORS(apiHandlers.DeleteVideo())))

	// HLS playback
	router.GET("/api/v1/stream/:id/:rendition", withLogging(withCORS(apiHandlers.StreamMaster())))
	router.GET("/api/v1/stream/:id/:rendition/:file", withLogging(withCORS(apiHandlers.StreamRendition())))

	router.GET("/api/v1/queue/stats", withLogging(withCORS(apiHandlers.QueueStats())))

	return router
}
