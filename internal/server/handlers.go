package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/BadgerOps/castletracker/internal/engine"
	"github.com/BadgerOps/castletracker/internal/safety"
)

// heartbeatInterval is how often the progress stream re-sends the current
// record when nothing changed. Each heartbeat refreshes the local inventory.
const heartbeatInterval = 5 * time.Second

// handleRedirectDashboard redirects / to /dashboard.
func (s *Server) handleRedirectDashboard(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/dashboard", http.StatusMovedPermanently)
}

// handleDashboard renders the dashboard page.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	snap := s.supervisor.Progress()

	var runs []transferRunJSON
	if s.store != nil {
		dbRuns, err := s.store.ListTransferRuns(10)
		if err != nil {
			s.logger.Warn("failed to list transfer runs", "error", err)
		} else {
			for _, run := range dbRuns {
				runs = append(runs, toTransferRunJSON(run))
			}
		}
	}

	data := map[string]interface{}{
		"Title":    "Dashboard",
		"Progress": toProgressJSON(snap),
		"Runs":     runs,
	}
	s.renderTemplate(w, "templates/dashboard.html", data)
}

// ProgressJSON is the flat record served to polling clients.
type ProgressJSON struct {
	Status           string     `json:"status"`
	Percent          int        `json:"percent"`
	Speed            string     `json:"speed"`
	ETA              string     `json:"eta"`
	Elapsed          string     `json:"elapsed"`
	RemoteCount      uint64     `json:"remote_count"`
	RemoteTotalBytes uint64     `json:"remote_total_bytes"`
	LocalCount       uint64     `json:"local_count"`
	LocalTotalBytes  uint64     `json:"local_total_bytes"`
	TransferredBytes uint64     `json:"transferred_bytes"`
	RemotePath       string     `json:"remote_path"`
	LocalPath        string     `json:"local_path"`
	RunID            string     `json:"run_id,omitempty"`
	StartedAt        *time.Time `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at"`
}

func toProgressJSON(snap engine.TransferStats) ProgressJSON {
	return ProgressJSON{
		Status:           string(snap.Status),
		Percent:          snap.PercentComplete,
		Speed:            snap.SpeedMiBps(),
		ETA:              snap.ETA,
		Elapsed:          snap.Elapsed,
		RemoteCount:      snap.RemoteFileCount,
		RemoteTotalBytes: snap.RemoteTotalBytes,
		LocalCount:       snap.LocalFileCount,
		LocalTotalBytes:  snap.LocalTotalBytes,
		TransferredBytes: snap.TransferredBytes,
		RemotePath:       snap.RemotePath,
		LocalPath:        snap.LocalPath,
		RunID:            snap.RunID,
		StartedAt:        snap.StartedAt,
		FinishedAt:       snap.FinishedAt,
	}
}

// handleAPIProgress returns the current telemetry. Every call recomputes
// the local inventory.
func (s *Server) handleAPIProgress(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	s.writeJSON(w, toProgressJSON(s.supervisor.Progress()))
}

// handleAPIProgressStream pushes the progress record over SSE whenever the
// stats store changes, and at least every heartbeatInterval.
func (s *Server) handleAPIProgressStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	// the stream outlives the server's write timeout
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("could not clear write deadline", "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	sendEvent := func(event string, data interface{}) error {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	stats := s.supervisor.Stats()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		// take the channel before reading so no update is missed
		changed := stats.Wait()
		if err := sendEvent("progress", toProgressJSON(s.supervisor.Progress())); err != nil {
			s.logger.Debug("progress stream closed", "error", err)
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-changed:
		case <-ticker.C:
		}
	}
}

// targetRequest is the optional body of scan and transfer commands.
type targetRequest struct {
	RemotePath string `json:"remote_path"`
	LocalPath  string `json:"local_path"`
}

// parseTarget reads remote_path/local_path from a JSON body or a form.
// Empty fields fall back to the configured defaults.
func parseTarget(r *http.Request) (engine.Target, error) {
	var req targetRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		body, err := safety.ReadRequestBody(r)
		if err != nil {
			return engine.Target{}, fmt.Errorf("reading body: %w", err)
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				return engine.Target{}, fmt.Errorf("invalid request body: %w", err)
			}
		}
	} else {
		r.Body = http.MaxBytesReader(nil, r.Body, safety.MaxRequestBody)
		if err := r.ParseForm(); err != nil {
			return engine.Target{}, fmt.Errorf("invalid form data: %w", err)
		}
		req.RemotePath = r.FormValue("remote_path")
		req.LocalPath = r.FormValue("local_path")
	}

	target := engine.Target{
		RemotePath: strings.TrimSpace(req.RemotePath),
		LocalPath:  strings.TrimSpace(req.LocalPath),
	}
	if target.RemotePath != "" {
		clean, err := safety.CleanRemotePath(target.RemotePath)
		if err != nil {
			return engine.Target{}, err
		}
		target.RemotePath = clean
	}
	if target.LocalPath != "" {
		if !filepath.IsAbs(target.LocalPath) {
			return engine.Target{}, fmt.Errorf("local path must be absolute: %q", target.LocalPath)
		}
		target.LocalPath = filepath.Clean(target.LocalPath)
	}
	return target, nil
}

// handleAPIScan refreshes the remote baseline. Query failures are logged
// and leave the affected fields at zero; the command itself always succeeds.
func (s *Server) handleAPIScan(w http.ResponseWriter, r *http.Request) {
	target, err := parseTarget(r)
	if err != nil {
		s.commandResult(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.supervisor.Scan(r.Context(), target)
	if err != nil {
		s.logger.Warn("scan incomplete", "error", err)
	}
	s.commandResult(w, r, http.StatusNoContent,
		fmt.Sprintf("Scan complete: %d remote files, %s", res.RemoteFileCount, formatBytes(res.RemoteTotalBytes)))
}

// handleAPITransfer starts a background transfer.
func (s *Server) handleAPITransfer(w http.ResponseWriter, r *http.Request) {
	target, err := parseTarget(r)
	if err != nil {
		s.commandResult(w, r, http.StatusBadRequest, err.Error())
		return
	}

	err = s.supervisor.Start(target)
	switch {
	case errors.Is(err, engine.ErrTransferRunning), errors.Is(err, engine.ErrTransferLocked):
		s.commandResult(w, r, http.StatusConflict, "A transfer is already running")
		return
	case err != nil:
		s.logger.Error("failed to start transfer", "error", err)
		s.commandResult(w, r, http.StatusInternalServerError, "Failed to start transfer")
		return
	}
	s.commandResult(w, r, http.StatusAccepted, "Transfer started")
}

// handleAPIStop stops the running transfer, if any.
func (s *Server) handleAPIStop(w http.ResponseWriter, r *http.Request) {
	if err := s.supervisor.Stop(); err != nil {
		s.logger.Error("failed to stop transfer", "error", err)
	}
	s.commandResult(w, r, http.StatusNoContent, "Transfer stopped")
}

// handleAPIReset stops any transfer and clears telemetry. With
// purge_remote=true the remote source is deleted as well, which requires
// confirm to repeat the remote path.
func (s *Server) handleAPIReset(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, safety.MaxRequestBody)
	if err := r.ParseForm(); err != nil {
		s.commandResult(w, r, http.StatusBadRequest, "Invalid form data: "+err.Error())
		return
	}

	purge := r.FormValue("purge_remote") == "true"
	if purge {
		remote, err := safety.PurgeableRemotePath(s.supervisor.Stats().Snapshot().RemotePath)
		if err != nil {
			s.commandResult(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if confirm, _ := safety.CleanRemotePath(r.FormValue("confirm")); confirm != remote {
			s.commandResult(w, r, http.StatusBadRequest, "Purging requires confirm to match the remote path "+remote)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	err := s.supervisor.Reset(ctx, purge)
	switch {
	case errors.Is(err, engine.ErrTransferRunning):
		s.commandResult(w, r, http.StatusConflict, "A transfer started during reset")
		return
	case err != nil:
		s.logger.Error("reset failed", "purge", purge, "error", err)
		s.commandResult(w, r, http.StatusBadGateway, "Reset failed: "+err.Error())
		return
	}

	msg := "Transfer state reset"
	if purge {
		msg = "Remote purged and transfer state reset"
	}
	s.commandResult(w, r, http.StatusNoContent, msg)
}

// wantsFragment reports whether the dashboard script issued the request and
// expects an HTML alert in place of a bare status.
func wantsFragment(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}

// commandResult answers a command. API clients get the status code (and a
// JSON error on failure); the dashboard gets an alert fragment.
func (s *Server) commandResult(w http.ResponseWriter, r *http.Request, status int, message string) {
	success := status < 400
	if wantsFragment(r) {
		writeCommandFragment(w, success, message)
		return
	}
	switch {
	case status == http.StatusNoContent:
		w.WriteHeader(status)
	case success:
		s.writeJSONStatus(w, status, map[string]string{"message": message})
	default:
		s.writeError(w, status, message)
	}
}

// writeCommandFragment writes an HTML alert for the dashboard.
func writeCommandFragment(w http.ResponseWriter, success bool, message string) {
	w.Header().Set("Content-Type", "text/html")
	class := "success"
	icon := "&#10003;"
	if !success {
		class = "error"
		icon = "&#10007;"
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	fmt.Fprintf(w, `<div class="alert alert-%s">%s %s</div>`, class, icon, html.EscapeString(message))
}
