package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/broadcast-engine/internal/domain"
	"github.com/kursadbilgin/broadcast-engine/internal/repository"
	"github.com/kursadbilgin/broadcast-engine/internal/service"
)

const (
	defaultPage      = 1
	defaultPageSize  = 50
	maxPageSize      = 100
	defaultDraftPage = 50
)

type NotificationService interface {
	CreateDraft(ctx context.Context, draft *domain.Notification) (*domain.Notification, error)
	UpdateDraft(ctx context.Context, id string, draft *domain.Notification) (*domain.Notification, error)
	DeleteDraft(ctx context.Context, id string) error
	GetDraft(ctx context.Context, id string) (*domain.Notification, error)
	ListDrafts(ctx context.Context, afterID string, limit int) ([]domain.Notification, error)
	GetSent(ctx context.Context, id string) (*service.SentStatus, error)
	ListSent(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error)
}

type NotificationHandler struct {
	service NotificationService
	now     func() time.Time
}

func NewNotificationHandler(service NotificationService) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	return &NotificationHandler{service: service, now: time.Now}, nil
}

func RegisterNotificationRoutes(router fiber.Router, service NotificationService) error {
	h, err := NewNotificationHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/drafts", h.CreateDraft)
	v1.Get("/drafts", h.ListDrafts)
	v1.Get("/drafts/:id", h.GetDraft)
	v1.Put("/drafts/:id", h.UpdateDraft)
	v1.Delete("/drafts/:id", h.DeleteDraft)
	v1.Get("/notifications", h.ListNotifications)
	v1.Get("/notifications/:id", h.GetNotification)

	return nil
}

type pollPayload struct {
	Options        []string `json:"options"`
	MultipleChoice bool     `json:"multipleChoice"`
	QuizMode       bool     `json:"quizMode"`
	QuizAnswers    []int    `json:"quizAnswers,omitempty"`
}

type audiencePayload struct {
	Teams    []string `json:"teams,omitempty"`
	Rosters  []string `json:"rosters,omitempty"`
	Groups   []string `json:"groups,omitempty"`
	AllUsers bool     `json:"allUsers,omitempty"`
}

type draftRequest struct {
	Title             string          `json:"title"`
	ImageLink         string          `json:"imageLink"`
	Summary           string          `json:"summary"`
	Author            string          `json:"author"`
	ButtonTitle       string          `json:"buttonTitle"`
	ButtonLink        string          `json:"buttonLink"`
	Poll              *pollPayload    `json:"poll,omitempty"`
	AckRequired       bool            `json:"ackRequired"`
	Audience          audiencePayload `json:"audience"`
	ScheduledDateTime *time.Time      `json:"scheduledDateTime,omitempty"`
}

type notificationResponse struct {
	ID                     string          `json:"id"`
	DraftID                string          `json:"draftId,omitempty"`
	Title                  string          `json:"title"`
	ImageLink              string          `json:"imageLink,omitempty"`
	Summary                string          `json:"summary,omitempty"`
	Author                 string          `json:"author,omitempty"`
	ButtonTitle            string          `json:"buttonTitle,omitempty"`
	ButtonLink             string          `json:"buttonLink,omitempty"`
	Poll                   *pollPayload    `json:"poll,omitempty"`
	AckRequired            bool            `json:"ackRequired"`
	Audience               audiencePayload `json:"audience"`
	Status                 string          `json:"status"`
	ScheduledDateTime      *time.Time      `json:"scheduledDateTime,omitempty"`
	CreatedDateTime        time.Time       `json:"createdDateTime"`
	TotalRecipientCount    int             `json:"totalRecipientCount"`
	SucceededCount         int             `json:"succeededCount"`
	FailedCount            int             `json:"failedCount"`
	UnknownCount           int             `json:"unknownCount"`
	CanceledCount          int             `json:"canceledCount"`
	SendingStartedDateTime *time.Time      `json:"sendingStartedDateTime,omitempty"`
	SentDateTime           *time.Time      `json:"sentDateTime,omitempty"`
}

type sentNotificationResponse struct {
	notificationResponse
	Breakdown map[string]int `json:"breakdown"`
}

type listDraftsResponse struct {
	Data      []notificationResponse `json:"data"`
	NextAfter string                 `json:"nextAfter,omitempty"`
}

type listNotificationsResponse struct {
	Data []notificationResponse `json:"data"`
	Meta listMeta               `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *NotificationHandler) CreateDraft(c *fiber.Ctx) error {
	var req draftRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	created, err := h.service.CreateDraft(c.Context(), requestToDomainDraft(req))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(h.toNotificationResponse(created))
}

func (h *NotificationHandler) UpdateDraft(c *fiber.Ctx) error {
	var req draftRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	id := strings.TrimSpace(c.Params("id"))
	updated, err := h.service.UpdateDraft(c.Context(), id, requestToDomainDraft(req))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(h.toNotificationResponse(updated))
}

func (h *NotificationHandler) DeleteDraft(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if err := h.service.DeleteDraft(c.Context(), id); err != nil {
		return toHTTPError(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *NotificationHandler) GetDraft(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	draft, err := h.service.GetDraft(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(h.toNotificationResponse(draft))
}

func (h *NotificationHandler) ListDrafts(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultDraftPage)
	if limit < 1 || limit > maxPageSize {
		return toHTTPError(fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrValidation, maxPageSize))
	}

	drafts, err := h.service.ListDrafts(c.Context(), strings.TrimSpace(c.Query("after")), limit)
	if err != nil {
		return toHTTPError(err)
	}

	resp := listDraftsResponse{Data: h.toNotificationResponses(drafts)}
	if len(drafts) == limit {
		resp.NextAfter = drafts[len(drafts)-1].ID
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	sent, err := h.service.GetSent(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	resp := sentNotificationResponse{
		notificationResponse: h.toNotificationResponse(&sent.Notification),
		Breakdown:            make(map[string]int, len(sent.Breakdown)),
	}
	resp.Status = sent.Status.String()
	for status, count := range sent.Breakdown {
		resp.Breakdown[status.String()] = count
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *NotificationHandler) ListNotifications(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	notifications, total, err := h.service.ListSent(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(listNotificationsResponse{
		Data: h.toNotificationResponses(notifications),
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawCompleted := strings.TrimSpace(c.Query("completed")); rawCompleted != "" {
		completed, err := strconv.ParseBool(rawCompleted)
		if err != nil {
			return repository.ListParams{}, fmt.Errorf("%w: completed must be a boolean", domain.ErrValidation)
		}
		params.Completed = &completed
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	if from != nil && to != nil && to.Before(*from) {
		return repository.ListParams{}, fmt.Errorf("%w: to must not be before from", domain.ErrValidation)
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func requestToDomainDraft(req draftRequest) *domain.Notification {
	n := &domain.Notification{
		Title:             req.Title,
		ImageLink:         req.ImageLink,
		Summary:           req.Summary,
		Author:            req.Author,
		ButtonTitle:       req.ButtonTitle,
		ButtonLink:        req.ButtonLink,
		AckRequired:       req.AckRequired,
		ScheduledDateTime: req.ScheduledDateTime,
		Audience: domain.Audience{
			Teams:    req.Audience.Teams,
			Rosters:  req.Audience.Rosters,
			Groups:   req.Audience.Groups,
			AllUsers: req.Audience.AllUsers,
		},
	}
	if req.Poll != nil {
		n.Poll = &domain.Poll{
			Options:        req.Poll.Options,
			MultipleChoice: req.Poll.MultipleChoice,
			QuizMode:       req.Poll.QuizMode,
			QuizAnswers:    req.Poll.QuizAnswers,
		}
	}
	return n
}

func (h *NotificationHandler) toNotificationResponses(notifications []domain.Notification) []notificationResponse {
	responses := make([]notificationResponse, 0, len(notifications))
	for i := range notifications {
		responses = append(responses, h.toNotificationResponse(&notifications[i]))
	}
	return responses
}

func (h *NotificationHandler) toNotificationResponse(n *domain.Notification) notificationResponse {
	if n == nil {
		return notificationResponse{}
	}

	resp := notificationResponse{
		ID:          n.ID,
		DraftID:     n.DraftID,
		Title:       n.Title,
		ImageLink:   n.ImageLink,
		Summary:     n.Summary,
		Author:      n.Author,
		ButtonTitle: n.ButtonTitle,
		ButtonLink:  n.ButtonLink,
		AckRequired: n.AckRequired,
		Audience: audiencePayload{
			Teams:    n.Audience.Teams,
			Rosters:  n.Audience.Rosters,
			Groups:   n.Audience.Groups,
			AllUsers: n.Audience.AllUsers,
		},
		Status:                 n.Status(h.now()).String(),
		ScheduledDateTime:      n.ScheduledDateTime,
		CreatedDateTime:        n.CreatedDateTime,
		TotalRecipientCount:    n.TotalRecipientCount,
		SucceededCount:         n.SucceededCount,
		FailedCount:            n.FailedCount,
		UnknownCount:           n.UnknownCount,
		CanceledCount:          n.CanceledCount,
		SendingStartedDateTime: n.SendingStartedDateTime,
		SentDateTime:           n.SentDateTime,
	}
	if n.Poll != nil {
		resp.Poll = &pollPayload{
			Options:        n.Poll.Options,
			MultipleChoice: n.Poll.MultipleChoice,
			QuizMode:       n.Poll.QuizMode,
			QuizAnswers:    n.Poll.QuizAnswers,
		}
	}
	return resp
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
