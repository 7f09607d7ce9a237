package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/jakande/bulksend-backend/internal/errors"
	"github.com/jakande/bulksend-backend/internal/model"
	"github.com/jakande/bulksend-backend/internal/repository"
	"github.com/jakande/bulksend-backend/internal/service"
)

type CampaignController struct {
	Campaigns  repository.CampaignRepositoryInterface
	Lifecycle  *service.LifecycleService
	Dispatcher *service.Dispatcher
	Stats      *service.StatsService
}

func (c *CampaignController) Routes(r chi.Router) {
	r.Post("/campaigns", c.CreateCampaign)
	r.Get("/campaigns", c.ListCampaigns)
	r.Get("/campaigns/{id}", c.GetCampaign)
	r.Post("/campaigns/{id}/recipients", c.AddRecipients)
	r.Post("/campaigns/{id}/recipients/{recipientID}/retry", c.RetryRecipient)
	r.Post("/campaigns/{id}/activate", c.ActivateCampaign)
	r.Post("/campaigns/{id}/pause", c.PauseCampaign)
	r.Post("/campaigns/{id}/resume", c.ResumeCampaign)
	r.Post("/campaigns/{id}/cancel", c.CancelCampaign)
	r.Post("/campaigns/{id}/dispatch", c.DispatchCampaign)
	r.Get("/campaigns/{id}/stats/daily", c.DailyStats)
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		TemplateRef string `json:"template_ref"`
		DailyCap    int    `json:"daily_cap"`
		MaxRetries  *int   `json:"max_retries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	maxRetries := -1
	if body.MaxRetries != nil {
		maxRetries = *body.MaxRetries
	}

	campaign, err := c.Lifecycle.Create(r.Context(), body.Name, body.TemplateRef, body.DailyCap, maxRetries)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	status := r.URL.Query().Get("status")
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	campaigns, total, err := c.Campaigns.ListCampaigns(r.Context(), (page-1)*pageSize, pageSize, status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": campaigns,
		"pagination": map[string]int{
			"page":        page,
			"page_size":   pageSize,
			"total_count": total,
			"total_pages": (total + pageSize - 1) / pageSize,
		},
	})
}

func (c *CampaignController) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	campaign, err := c.Campaigns.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := c.Stats.Stats(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaign": campaign,
		"stats":    stats,
	})
}

func (c *CampaignController) AddRecipients(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	var body struct {
		Recipients []service.RecipientInput `json:"recipients"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	result, err := c.Lifecycle.AddRecipients(r.Context(), id, body.Recipients)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (c *CampaignController) RetryRecipient(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	recipientID, err := strconv.Atoi(chi.URLParam(r, "recipientID"))
	if err != nil || recipientID < 1 {
		http.Error(w, "invalid recipient id", http.StatusBadRequest)
		return
	}
	rec, err := c.Lifecycle.RetryRecipient(r.Context(), id, recipientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (c *CampaignController) ActivateCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	var body struct {
		StartDay string `json:"start_day"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err.Error() != "EOF" {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	startDay := model.Today()
	if body.StartDay != "" {
		parsed, err := model.ParseDay(body.StartDay)
		if err != nil {
			http.Error(w, "invalid start_day, want YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		startDay = parsed
	}

	campaign, err := c.Lifecycle.Activate(r.Context(), id, startDay)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	c.lifecycleOp(w, r, c.Lifecycle.Pause)
}

func (c *CampaignController) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	c.lifecycleOp(w, r, c.Lifecycle.Resume)
}

func (c *CampaignController) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	c.lifecycleOp(w, r, c.Lifecycle.Cancel)
}

// DispatchCampaign is the entry point for the external daily trigger. It is
// safe to call repeatedly: re-runs of a completed day report zero work and a
// concurrently claimed batch answers 409.
func (c *CampaignController) DispatchCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	var body struct {
		Day        string `json:"day"`
		ActorToken string `json:"actor_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err.Error() != "EOF" {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	day := model.Today()
	if body.Day != "" {
		parsed, err := model.ParseDay(body.Day)
		if err != nil {
			http.Error(w, "invalid day, want YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		day = parsed
	}
	actor := body.ActorToken
	if actor == "" {
		actor = "trigger-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}

	report, err := c.Dispatcher.Run(r.Context(), id, day, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (c *CampaignController) DailyStats(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	day := model.Today()
	if raw := r.URL.Query().Get("day"); raw != "" {
		parsed, err := model.ParseDay(raw)
		if err != nil {
			http.Error(w, "invalid day, want YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		day = parsed
	}
	stats, err := c.Stats.DailySnapshot(r.Context(), id, day)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"day":   model.DayKey(model.DayOf(day)),
		"stats": stats,
	})
}

func (c *CampaignController) lifecycleOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id int) error) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	if err := op(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	campaign, err := c.Campaigns.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func campaignID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 1 {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the engine's error taxonomy onto HTTP statuses: not-found
// to 404, concurrency losses to 409, planning and transition rejections to
// 422, everything else to 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case appErrors.IsCampaignNotFound(err), appErrors.IsRecipientNotFound(err), appErrors.IsBatchNotFound(err):
		status = http.StatusNotFound
	case appErrors.IsAlreadyClaimed(err), appErrors.IsConflict(err):
		status = http.StatusConflict
	case appErrors.IsPlanningError(err), appErrors.IsInvalidTransition(err):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
