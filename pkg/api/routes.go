package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/stores", s.handleListStores)
	})

	r.Handle("/reports/*", http.StripPrefix("/reports/",
		http.FileServer(http.Dir(s.cfg.Global.ReportsDir))))
	r.Handle("/pdfs/*", http.StripPrefix("/pdfs/",
		http.FileServer(http.Dir(s.cfg.Global.PDFDir))))
	r.Handle("/maps/*", http.StripPrefix("/maps/",
		http.FileServer(http.Dir(s.cfg.Global.MapsDir))))

	return r
}
