// Package monitor serves the controller's state as JSON over HTTP and
// accepts operator commands for sequences.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/roach88/wateringctl/internal/controller"
	"github.com/roach88/wateringctl/internal/status"
)

// Controller is what the monitor reads and commands.
// *controller.Controller implements it.
type Controller interface {
	Snapshot() controller.Snapshot
	Do(fn func(controller.Ops) error) error
}

// Monitor exposes a Controller over HTTP.
type Monitor struct {
	ctrl   Controller
	logger *slog.Logger
}

// New creates a monitor. A nil logger discards log output.
func New(ctrl Controller, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{ctrl: ctrl, logger: logger}
}

// Handler returns the API router.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/now", m.now).Methods(http.MethodGet)
	r.HandleFunc("/api/valves", m.valves).Methods(http.MethodGet)
	r.HandleFunc("/api/sequences", m.sequences).Methods(http.MethodGet)
	r.HandleFunc("/api/sequences/{index:[0-9]+}/{action}", m.sequenceAction).Methods(http.MethodPost)
	r.HandleFunc("/api/modules", m.modules).Methods(http.MethodGet)
	r.HandleFunc("/api/arena", m.arena).Methods(http.MethodGet)
	r.HandleFunc("/api/faults", m.faults).Methods(http.MethodGet)
	r.HandleFunc("/api/faults", m.clearFaults).Methods(http.MethodDelete)
	return r
}

// Serve listens on addr until ctx is done.
func (m *Monitor) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("monitor listen: %w", err)
	}
	srv := &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.logger.Info("monitor listening", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("monitor shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("monitor serve: %w", err)
	}
}

func (m *Monitor) now(w http.ResponseWriter, _ *http.Request) {
	snap := m.ctrl.Snapshot()
	m.writeJSON(w, http.StatusOK, map[string]any{
		"now":   snap.Now,
		"utc":   snap.Now.String(),
		"local": snap.Local,
	})
}

func (m *Monitor) valves(w http.ResponseWriter, _ *http.Request) {
	snap := m.ctrl.Snapshot()
	m.writeJSON(w, http.StatusOK, map[string]any{
		"valves":   nonNil(snap.Valves),
		"flow_lpm": snap.FlowLPM,
	})
}

func (m *Monitor) sequences(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, nonNil(m.ctrl.Snapshot().Sequences))
}

func (m *Monitor) modules(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, nonNil(m.ctrl.Snapshot().Modules))
}

func (m *Monitor) arena(w http.ResponseWriter, _ *http.Request) {
	snap := m.ctrl.Snapshot()
	m.writeJSON(w, http.StatusOK, map[string]any{
		"stats":  snap.Arena,
		"arrays": nonNil(snap.Arrays),
	})
}

func (m *Monitor) faults(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, m.ctrl.Snapshot().Faults)
}

func (m *Monitor) clearFaults(w http.ResponseWriter, _ *http.Request) {
	_ = m.ctrl.Do(func(ops controller.Ops) error {
		ops.Pool.Faults().Clear()
		return nil
	})
	w.WriteHeader(http.StatusNoContent)
}

type actionRsp struct {
	Sequence int    `json:"sequence"`
	Action   string `json:"action"`
	Result   string `json:"result"`
	Message  string `json:"message,omitempty"`
}

func (m *Monitor) sequenceAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	action := vars["action"]
	index, err := strconv.Atoi(vars["index"])
	if err != nil || index > 0xFE {
		m.writeError(w, http.StatusNotFound, "no sequence %s", vars["index"])
		return
	}

	var found bool
	err = m.ctrl.Do(func(ops controller.Ops) error {
		if index >= ops.Scheduler.SequenceCount() {
			return nil
		}
		found = true
		seq := ops.Scheduler.ValveSequence(uint8(index))
		switch action {
		case "start":
			return seq.Start(ops.Now)
		case "stop":
			return seq.Stop()
		case "pause":
			return seq.Pause(ops.Now)
		case "resume":
			return seq.Resume(ops.Now)
		}
		return errUnknownAction
	})

	switch {
	case errors.Is(err, errUnknownAction):
		m.writeError(w, http.StatusBadRequest, "unknown action %q", action)
		return
	case !found:
		m.writeError(w, http.StatusNotFound, "no sequence %d", index)
		return
	}

	rsp := actionRsp{Sequence: index, Action: action, Result: status.CodeOf(err).String()}
	code := http.StatusOK
	if err != nil {
		rsp.Message = err.Error()
		code = http.StatusConflict
	}
	m.logger.Info("operator command", "sequence", index, "action", action, "result", rsp.Result)
	m.writeJSON(w, code, rsp)
}

var errUnknownAction = errors.New("unknown action")

func (m *Monitor) writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("encoding response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		m.logger.Debug("writing response", "error", err)
	}
}

func (m *Monitor) writeError(w http.ResponseWriter, code int, format string, args ...any) {
	m.writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
