package main

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	taskcorehttp "github.com/taskcore/engine/transport/http"
)

// handleHTTPServer mounts srv's routes on a fresh muxer and starts an
// http.Server on u, mirroring the teacher's handleHTTPServer: a goroutine
// runs ListenAndServe and reports its terminal error on errc, a second
// goroutine waits on ctx.Done() and shuts the server down with a bounded
// timeout.
func handleHTTPServer(ctx context.Context, u *url.URL, srv *taskcorehttp.Server, wg *sync.WaitGroup, errc chan error, dbg bool) {
	mux := goahttp.NewMuxer()
	if dbg {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}
	srv.Mount(mux)

	var handler http.Handler = mux
	if dbg {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	httpSrv := &http.Server{Addr: u.Host, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf(ctx, "HTTP server listening on %q", u.Host)
			errc <- httpSrv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", u.Host)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}
