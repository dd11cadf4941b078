// Package server exposes run artifacts over HTTP for the review map: the
// routed GeoJSON, QA and audit reports, and segment delete/undo editing with
// timestamped backups.
package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/roadworks-cli/internal/ingest"
	"github.com/sells-group/roadworks-cli/internal/report"
)

// Server serves dataset artifacts. Mutating endpoints serialize per dataset
// and snapshot the artifact before every write, so an edit is always
// undoable.
type Server struct {
	reg *ingest.Registry
	log *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a server over the dataset registry.
func New(reg *ingest.Registry) *Server {
	return &Server{
		reg:   reg,
		log:   zap.L().With(zap.String("component", "server")),
		locks: make(map[string]*sync.Mutex),
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/datasets", s.handleDatasets)
		r.Get("/geojson/{dataset}", s.handleGeoJSON)
		r.Get("/qa/{dataset}", s.handleQA)
		r.Post("/segments/{dataset}/delete", s.handleDelete)
		r.Post("/segments/{dataset}/undo", s.handleUndo)
	})
	return r
}

// lock returns the mutex serializing edits to one dataset's artifact.
func (s *Server) lock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[key] == nil {
		s.locks[key] = &sync.Mutex{}
	}
	return s.locks[key]
}

func (s *Server) dataset(w http.ResponseWriter, r *http.Request) *ingest.DatasetSpec {
	ds, err := s.reg.Get(chi.URLParam(r, "dataset"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown dataset")
		return nil
	}
	return ds
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// datasetInfo is one entry of the dataset listing.
type datasetInfo struct {
	Key         string `json:"key"`
	Region      string `json:"region"`
	HasArtifact bool   `json:"has_artifact"`
	HasQA       bool   `json:"has_qa"`
	HasBoundary bool   `json:"has_boundary"`
	Backups     int    `json:"backups"`
}

func (s *Server) handleDatasets(w http.ResponseWriter, _ *http.Request) {
	infos := make([]datasetInfo, 0, len(s.reg.Datasets))
	for _, key := range s.reg.Keys() {
		ds, err := s.reg.Get(key)
		if err != nil {
			continue
		}
		backups, _ := listBackups(ds)
		infos = append(infos, datasetInfo{
			Key:         key,
			Region:      ds.Region,
			HasArtifact: fileExists(ds.GeoJSONPath()),
			HasQA:       fileExists(ds.QAPath()),
			HasBoundary: fileExists(ds.BoundaryGeoJSONPath()),
			Backups:     len(backups),
		})
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGeoJSON(w http.ResponseWriter, r *http.Request) {
	ds := s.dataset(w, r)
	if ds == nil {
		return
	}
	s.serveFile(w, ds.GeoJSONPath(), "application/geo+json")
}

func (s *Server) handleQA(w http.ResponseWriter, r *http.Request) {
	ds := s.dataset(w, r)
	if ds == nil {
		return
	}
	s.serveFile(w, ds.QAPath(), "application/json")
}

func (s *Server) serveFile(w http.ResponseWriter, path, contentType string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "artifact not found")
			return
		}
		s.log.Error("read artifact", zap.String("path", path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "read artifact")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// deleteRequest names the features to remove from the artifact.
type deleteRequest struct {
	SegmentIDs []string `json:"segmentIds"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ds := s.dataset(w, r)
	if ds == nil {
		return
	}

	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.SegmentIDs) == 0 {
		writeError(w, http.StatusBadRequest, "segmentIds is required")
		return
	}
	drop := make(map[string]bool, len(req.SegmentIDs))
	for _, id := range req.SegmentIDs {
		drop[id] = true
	}

	lock := s.lock(ds.Key)
	lock.Lock()
	defer lock.Unlock()

	feats, err := report.ReadGeoJSON(ds.GeoJSONPath())
	if err != nil {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}

	backup, err := snapshot(ds)
	if err != nil {
		s.log.Error("snapshot artifact", zap.String("dataset", ds.Key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "backup failed")
		return
	}

	kept := feats[:0]
	removed := 0
	for _, f := range feats {
		if drop[f.Properties.SegmentID] {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	if err := report.WriteGeoJSON(ds.GeoJSONPath(), kept); err != nil {
		s.log.Error("write artifact", zap.String("dataset", ds.Key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "write failed")
		return
	}

	s.log.Info("segments deleted",
		zap.String("dataset", ds.Key),
		zap.Int("removed", removed),
		zap.Int("remaining", len(kept)),
		zap.String("backup", filepath.Base(backup)),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"removed":   removed,
		"remaining": len(kept),
		"backup":    filepath.Base(backup),
	})
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	ds := s.dataset(w, r)
	if ds == nil {
		return
	}

	lock := s.lock(ds.Key)
	lock.Lock()
	defer lock.Unlock()

	backups, err := listBackups(ds)
	if err != nil || len(backups) == 0 {
		writeError(w, http.StatusNotFound, "nothing to undo")
		return
	}
	latest := backups[len(backups)-1]

	data, err := os.ReadFile(latest)
	if err != nil {
		s.log.Error("read backup", zap.String("path", latest), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "read backup")
		return
	}
	if err := os.WriteFile(ds.GeoJSONPath(), data, 0o644); err != nil {
		s.log.Error("restore backup", zap.String("dataset", ds.Key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "restore failed")
		return
	}
	// The restored snapshot is consumed so repeated undos walk backward
	// through the edit history.
	if err := os.Remove(latest); err != nil {
		s.log.Warn("remove consumed backup", zap.String("path", latest), zap.Error(err))
	}

	s.log.Info("artifact restored",
		zap.String("dataset", ds.Key),
		zap.String("backup", filepath.Base(latest)),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"restored":  filepath.Base(latest),
		"remaining": len(backups) - 1,
	})
}

// snapshot copies the current artifact into the dataset's backup directory.
// The timestamped name sorts lexically, so the newest backup is last.
func snapshot(ds *ingest.DatasetSpec) (string, error) {
	dir := backupDir(ds)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "server: create %s", dir)
	}
	data, err := os.ReadFile(ds.GeoJSONPath())
	if err != nil {
		return "", eris.Wrap(err, "server: read artifact")
	}
	name := ds.Key + "-" + time.Now().UTC().Format("20060102T150405.000000000") + ".geojson"
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", eris.Wrapf(err, "server: write %s", path)
	}
	return path, nil
}

// listBackups returns the dataset's backup files sorted oldest first.
func listBackups(ds *ingest.DatasetSpec) ([]string, error) {
	pattern := filepath.Join(backupDir(ds), ds.Key+"-*.geojson")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, eris.Wrapf(err, "server: glob %s", pattern)
	}
	sort.Strings(matches)
	return matches, nil
}

func backupDir(ds *ingest.DatasetSpec) string {
	return filepath.Join(ds.OutDir, "backups")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
