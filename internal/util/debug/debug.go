// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package debug provides debug facilities.
package debug

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"text/template"
	"time"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/vulgatecnn/afa100-sub008/internal/util/lazyerrors"
	"github.com/vulgatecnn/afa100-sub008/internal/util/must"
)

// Paths of debug handlers.
const (
	archivePath = "/debug/archive"
	graphsPath  = "/debug/graphs"
	metricsPath = "/debug/metrics"
	livezPath   = "/debug/livez"
	readyzPath  = "/debug/readyz"
)

// ListenOpts represents [Listen] options.
type ListenOpts struct {
	TCPAddr string
	L       *zap.Logger
	R       *prometheus.Registry

	// Ready is called by readiness check; nil means always ready.
	Ready func(context.Context) error
}

// Handler represents debug handler.
type Handler struct {
	opts     *ListenOpts
	lis      net.Listener
	mux      *http.ServeMux
	handlers map[string]string
}

// Listen creates a new debug handler and starts listener on the given TCP address.
//
// [Handler.Serve] should be called to serve requests.
func Listen(opts *ListenOpts) (*Handler, error) {
	l := opts.L
	stdL := must.NotFail(zap.NewStdLogAt(l, zap.WarnLevel))

	g := newGatherer(opts.R, 0, l.Named("gatherer"))

	mux := http.NewServeMux()

	mux.Handle(metricsPath, promhttp.InstrumentMetricHandler(
		opts.R, promhttp.HandlerFor(g, promhttp.HandlerOpts{
			ErrorLog:          stdL,
			ErrorHandling:     promhttp.ContinueOnError,
			Registry:          opts.R,
			EnableOpenMetrics: true,
		}),
	))

	plots, err := newPlotter(g).plots()
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	svOpts := []statsviz.Option{statsviz.Root(graphsPath)}
	for _, p := range plots {
		svOpts = append(svOpts, statsviz.TimeseriesPlot(p))
	}

	if err = statsviz.Register(mux, svOpts...); err != nil {
		return nil, lazyerrors.Error(err)
	}

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/vars", expvar.Handler())

	mux.HandleFunc(livezPath, func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc(readyzPath, func(rw http.ResponseWriter, req *http.Request) {
		if opts.Ready != nil {
			if err := opts.Ready(req.Context()); err != nil {
				l.Warn("Readiness check failed.", zap.Error(err))
				http.Error(rw, err.Error(), http.StatusServiceUnavailable)

				return
			}
		}

		rw.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc(archivePath, archiveHandler(l))

	handlers := map[string]string{
		// custom handlers registered above
		archivePath: "Zip archive with debugging information",
		graphsPath:  "Visualize metrics",
		metricsPath: "Metrics in Prometheus format",
		livezPath:   "Liveness check",
		readyzPath:  "Readiness check, checks pool health",

		// stdlib handlers
		"/debug/vars":  "Expvar package metrics",
		"/debug/pprof": "Runtime profiling data for pprof",
	}

	var page bytes.Buffer
	must.NoError(template.Must(template.New("debug").Parse(`
	<html>
	<body>
	<ul>
	{{range $path, $desc := .}}
		<li><a href="{{$path}}">{{$path}}</a>: {{$desc}}</li>
	{{end}}
	</ul>
	</body>
	</html>
	`)).Execute(&page, handlers))

	mux.HandleFunc("/debug", func(rw http.ResponseWriter, _ *http.Request) {
		_, _ = rw.Write(page.Bytes())
	})

	mux.HandleFunc("/", func(rw http.ResponseWriter, req *http.Request) {
		http.Redirect(rw, req, "/debug", http.StatusSeeOther)
	})

	lis, err := net.Listen("tcp", opts.TCPAddr)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return &Handler{
		opts:     opts,
		lis:      lis,
		mux:      mux,
		handlers: handlers,
	}, nil
}

// Addr returns listener address.
func (h *Handler) Addr() net.Addr {
	return h.lis.Addr()
}

// Serve runs debug handler until ctx is canceled.
//
// It exits when handler is stopped and listener closed.
func (h *Handler) Serve(ctx context.Context) {
	l := h.opts.L

	s := http.Server{
		Handler:  h.mux,
		ErrorLog: must.NotFail(zap.NewStdLogAt(l, zap.WarnLevel)),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	root := fmt.Sprintf("http://%s", h.lis.Addr())

	l.Sugar().Infof("Starting debug server on %s ...", root)

	paths := maps.Keys(h.handlers)
	slices.Sort(paths)

	for _, path := range paths {
		l.Sugar().Infof("%s%s - %s", root, path, h.handlers[path])
	}

	go func() {
		if err := s.Serve(h.lis); !errors.Is(err, http.ErrServerClosed) {
			l.DPanic("Debug server stopped unexpectedly.", zap.Error(err))
		}
	}()

	<-ctx.Done()

	// ctx is already canceled, but we want to inherit its values
	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer stopCancel()

	_ = s.Shutdown(stopCtx)
	_ = s.Close()

	l.Sugar().Info("Debug server stopped.")
}
