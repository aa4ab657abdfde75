package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/civic-registry-crawler/internal/store"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	runsTimeout     = 3 * time.Second
)

// RunsHandler exposes read-only run history endpoints.
type RunsHandler struct {
	repo    store.RunRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunsHandler wires the repository and logger. repo may be nil, in which
// case every route answers 503.
func NewRunsHandler(repo store.RunRepository, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{
		repo:    repo,
		timeout: runsTimeout,
		logger:  logger,
	}
}

// ListRuns handles GET /v1/runs?limit=&offset=. It returns {"runs": [...]}
// newest first, or 400 for invalid paging parameters.
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run repository unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.repo.ListRuns(ctx, limit, offset)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	out := make([]runDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// GetRun handles GET /v1/runs/{run_id}. The body carries the run and its
// per-target rows; 404 when the repository reports store.ErrNotFound.
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run repository unavailable")
		return
	}
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetRun(ctx, runID)
	if err != nil {
		h.writeRepoError(w, "get run", err)
		return
	}
	targets, err := h.repo.ListRunTargets(ctx, runID)
	if err != nil {
		h.writeRepoError(w, "list run targets", err)
		return
	}
	dto := toRunDTO(run)
	dto.Targets = toTargetProgressDTOs(targets)
	writeJSON(w, http.StatusOK, map[string]any{"run": dto})
}

// ListRunTargets handles GET /v1/runs/{run_id}/targets.
func (h *RunsHandler) ListRunTargets(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run repository unavailable")
		return
	}
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if _, err := h.repo.GetRun(ctx, runID); err != nil {
		h.writeRepoError(w, "get run", err)
		return
	}
	targets, err := h.repo.ListRunTargets(ctx, runID)
	if err != nil {
		h.writeRepoError(w, "list run targets", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": toTargetProgressDTOs(targets)})
}

func (h *RunsHandler) writeRepoError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	h.logger.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load run")
}

func parseRunID(r *http.Request) (string, error) {
	runID := strings.TrimSpace(chi.URLParam(r, "run_id"))
	if runID == "" {
		return "", errors.New("run_id is required")
	}
	return runID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func toRunDTO(run store.Run) runDTO {
	return runDTO{
		ID:         run.ID,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Note:       run.Note,
	}
}

func toTargetProgressDTOs(in []store.TargetProgress) []targetProgressDTO {
	out := make([]targetProgressDTO, 0, len(in))
	for _, t := range in {
		out = append(out, targetProgressDTO{
			Target:        t.Target,
			Status:        t.Status,
			UpdatedAt:     t.UpdatedAt,
			Pages:         t.Pages,
			FetchFailures: t.FetchFailures,
			ParseErrors:   t.ParseErrors,
			Inserted:      t.Inserted,
			Updated:       t.Updated,
			Unchanged:     t.Unchanged,
			Skipped:       t.Skipped,
			WriteFailures: t.WriteFailures,
		})
	}
	return out
}

type runDTO struct {
	ID         string              `json:"id"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Status     string              `json:"status"`
	Note       *string             `json:"note,omitempty"`
	Targets    []targetProgressDTO `json:"targets,omitempty"`
}

type targetProgressDTO struct {
	Target        string    `json:"target"`
	Status        string    `json:"status"`
	UpdatedAt     time.Time `json:"updated_at"`
	Pages         int64     `json:"pages"`
	FetchFailures int64     `json:"fetch_failures"`
	ParseErrors   int64     `json:"parse_errors"`
	Inserted      int64     `json:"inserted"`
	Updated       int64     `json:"updated"`
	Unchanged     int64     `json:"unchanged"`
	Skipped       int64     `json:"skipped"`
	WriteFailures int64     `json:"write_failures"`
}
