package server

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/BadgerOps/castletracker/internal/engine"
	"github.com/BadgerOps/castletracker/internal/report"
	"github.com/BadgerOps/castletracker/internal/safety"
	"github.com/BadgerOps/castletracker/internal/store"
)

// transferRunJSON is the JSON representation of a recorded transfer run.
type transferRunJSON struct {
	ID               string    `json:"id"`
	RemotePath       string    `json:"remote_path"`
	LocalPath        string    `json:"local_path"`
	Status           string    `json:"status"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	RemoteFileCount  int64     `json:"remote_count"`
	RemoteTotalBytes int64     `json:"remote_total_bytes"`
	LocalFileCount   int64     `json:"local_count"`
	LocalTotalBytes  int64     `json:"local_total_bytes"`
	TransferredBytes int64     `json:"transferred_bytes"`
	Percent          int       `json:"percent"`
	Elapsed          string    `json:"elapsed"`
	ErrorMessage     string    `json:"error_message,omitempty"`
}

func toTransferRunJSON(run store.TransferRun) transferRunJSON {
	return transferRunJSON{
		ID:               run.ID,
		RemotePath:       run.RemotePath,
		LocalPath:        run.LocalPath,
		Status:           run.Status,
		StartTime:        run.StartTime,
		EndTime:          run.EndTime,
		RemoteFileCount:  run.RemoteFileCount,
		RemoteTotalBytes: run.RemoteTotalBytes,
		LocalFileCount:   run.LocalFileCount,
		LocalTotalBytes:  run.LocalTotalBytes,
		TransferredBytes: run.TransferredBytes,
		Percent:          run.Percent,
		Elapsed:          run.Elapsed,
		ErrorMessage:     run.ErrorMessage,
	}
}

// handleAPITransfers returns JSON list of recent transfer runs.
func (s *Server) handleAPITransfers(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSON(w, []transferRunJSON{})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	dbRuns, err := s.store.ListTransferRuns(limit)
	if err != nil {
		s.logger.Error("failed to list transfer runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	runs := make([]transferRunJSON, 0, len(dbRuns))
	for _, run := range dbRuns {
		runs = append(runs, toTransferRunJSON(run))
	}

	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, runs)
}

// handleAPITransferFiles returns the remote listing captured for a run.
func (s *Server) handleAPITransferFiles(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}
	if _, err := s.store.GetTransferRun(id); err != nil {
		s.writeError(w, http.StatusNotFound, "transfer run not found")
		return
	}

	files, err := s.store.ListRunFiles(id)
	if err != nil {
		s.logger.Error("failed to list run files", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]engine.RemoteFile, 0, len(files))
	for _, f := range files {
		out = append(out, engine.RemoteFile{Path: f.Path, Size: uint64(f.Size)})
	}
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, out)
}

func (s *Server) reportDir() string {
	return s.config.DataPath(s.config.Server.ReportDir)
}

// handleAPIReports writes an XLSX report of the current telemetry. With
// reset=true the telemetry is cleared afterwards to prepare the next
// transfer, which is refused while one is running.
func (s *Server) handleAPIReports(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, safety.MaxRequestBody)
	if err := r.ParseForm(); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	resetAfter := r.FormValue("reset") == "true"

	snap := s.supervisor.Progress()
	if resetAfter && snap.Status == engine.StatusRunning {
		s.writeError(w, http.StatusConflict, "a transfer is running")
		return
	}

	name, err := report.Generate(s.reportDir(), snap, s.now())
	if err != nil {
		s.logger.Error("failed to generate report", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to generate report")
		return
	}
	s.logger.Info("report generated", "file", name, "run_id", snap.RunID)

	resp := map[string]string{
		"file": name,
		"url":  "/reports/" + name,
	}
	if resetAfter {
		ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
		defer cancel()
		// a transfer started since the check above is left running
		if err := s.supervisor.ResetIdle(ctx); err != nil {
			s.logger.Warn("reset after report skipped", "error", err)
			resp["warning"] = "telemetry not reset: " + err.Error()
		}
	}

	s.writeJSONStatus(w, http.StatusCreated, resp)
}

// handleReportDownload serves a generated report as an attachment.
func (s *Server) handleReportDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	path, err := safety.SafeJoinUnder(s.reportDir(), name)
	if err != nil {
		http.Error(w, "invalid report name", http.StatusBadRequest)
		return
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="`+info.Name()+`"`)
	http.ServeFile(w, r, path)
}
