package web

import (
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kozaktomas/face-clusterer/internal/web/handlers"
)

// requestTimeout bounds every request except the long-lived ones.
const requestTimeout = 5 * time.Minute

func (s *Server) setupRoutes() {
	statsHandler := handlers.NewStatsHandler()
	configHandler := handlers.NewConfigHandler(s.config)
	scanHandler := handlers.NewScanHandler(s.services.Scanner, statsHandler.InvalidateCache)
	facesHandler := handlers.NewFacesHandler(s.services.Engine, statsHandler.InvalidateCache)
	personsHandler := handlers.NewPersonsHandler(s.services.Engine, s.services.Persons, statsHandler.InvalidateCache)
	progressHandler := handlers.NewProgressHandler(s.services.Scanner.Holder())

	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Streams and synchronous scans run until the client goes away.
		r.Get("/progress/events", progressHandler.Events)
		r.Post("/scan", scanHandler.Start)

		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.Timeout(requestTimeout))

			r.Get("/config", configHandler.Get)
			r.Get("/stats", statsHandler.Get)

			// Queue
			r.Get("/queue", scanHandler.QueueStatus)
			r.Post("/queue/reset", scanHandler.ResetQueue)
			r.Post("/queue/cancel", scanHandler.CancelQueue)

			// Scan jobs
			r.Get("/scan-jobs", scanHandler.ListJobs)
			r.Get("/scan-jobs/active", scanHandler.ActiveJob)
			r.Get("/scan-jobs/stats", scanHandler.JobStats)
			r.Post("/scan-jobs/{id}/resume", scanHandler.ResumeJob)

			// Faces
			r.Get("/faces/unnamed", facesHandler.Unnamed)
			r.Post("/faces/assign", facesHandler.Assign)
			r.Get("/faces/{id}/similar", facesHandler.Similar)
			r.Delete("/faces/{id}/person", facesHandler.Unmatch)

			// Persons and clustering
			r.Get("/persons", personsHandler.List)
			r.Post("/persons", personsHandler.Create)
			r.Post("/persons/auto-match", personsHandler.AutoMatch)
			r.Post("/persons/merge", personsHandler.Merge)
			r.Get("/clusters", personsHandler.Clusters)
			r.Get("/review", personsHandler.Review)

			// Progress
			r.Get("/progress", progressHandler.Snapshot)
			r.Post("/progress/diagnose", progressHandler.Diagnose)
		})
	})
}
