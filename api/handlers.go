// Package api exposes the REST surface of the ordering service.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

const healthTimeout = 2 * time.Second

// Deps are the collaborators of the REST handlers. Deduper is optional.
type Deps struct {
	Coordinator Coordinator
	Reader      Reader
	Auth        Authenticator
	Deduper     Deduper
	Logger      *log.Logger
}

type handlers struct {
	coord   Coordinator
	reader  Reader
	auth    Authenticator
	deduper Deduper
	log     *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	h := &handlers{
		coord:   d.Coordinator,
		reader:  d.Reader,
		auth:    d.Auth,
		deduper: d.Deduper,
		log:     d.Logger,
	}
	g := e.Group("/api", GzipRequestMiddleware())
	g.POST("/items/:itemId/move", h.moveItem)
	g.DELETE("/items/:itemId", h.deleteItem)
	g.PUT("/containers/:containerId/order", h.reorderContainer)
	g.GET("/containers/:containerId/items", h.getItems)
	g.POST("/containers/:containerId/items", h.createItem)
	e.GET("/healthz", h.healthz)
}

// command runs one coordinator operation on behalf of caller.
type command func(ctx context.Context, caller domain.Caller) (domain.DomainEvent, error)

func (h *handlers) moveItem(c echo.Context) error {
	return h.serve(c, "move", "/api/items/:itemId/move", http.StatusOK, func(c echo.Context) (command, error) {
		itemID, err := domain.ParseItemID(c.Param("itemId"))
		if err != nil {
			return nil, err
		}
		var req moveRequest
		if err := decodeBody(c, &req, false); err != nil {
			return nil, err
		}
		target, err := domain.ParseContainerID(req.TargetContainerID)
		if err != nil {
			return nil, err
		}
		if req.TargetIndex == nil {
			return nil, domain.ValidationError{Field: "targetIndex", Reason: "is required"}
		}
		intent := domain.MoveIntent{ItemID: itemID, TargetContainerID: target, TargetIndex: *req.TargetIndex}
		if req.SourceContainerID != "" {
			if intent.SourceContainerID, err = domain.ParseContainerID(req.SourceContainerID); err != nil {
				return nil, err
			}
		}
		return func(ctx context.Context, caller domain.Caller) (domain.DomainEvent, error) {
			return h.coord.MoveItem(ctx, intent, caller)
		}, nil
	})
}

func (h *handlers) reorderContainer(c echo.Context) error {
	return h.serve(c, "reorder", "/api/containers/:containerId/order", http.StatusOK, func(c echo.Context) (command, error) {
		containerID, err := domain.ParseContainerID(c.Param("containerId"))
		if err != nil {
			return nil, err
		}
		var req reorderRequest
		if err := decodeBody(c, &req, false); err != nil {
			return nil, err
		}
		order, err := domain.ParseItemIDs(req.Order)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, caller domain.Caller) (domain.DomainEvent, error) {
			return h.coord.ReorderContainer(ctx, containerID, order, caller)
		}, nil
	})
}

func (h *handlers) createItem(c echo.Context) error {
	return h.serve(c, "create", "/api/containers/:containerId/items", http.StatusCreated, func(c echo.Context) (command, error) {
		containerID, err := domain.ParseContainerID(c.Param("containerId"))
		if err != nil {
			return nil, err
		}
		var req createRequest
		if err := decodeBody(c, &req, true); err != nil {
			return nil, err
		}
		var itemID domain.ItemID
		if req.ID != "" {
			if itemID, err = domain.ParseItemID(req.ID); err != nil {
				return nil, err
			}
		}
		return func(ctx context.Context, caller domain.Caller) (domain.DomainEvent, error) {
			return h.coord.CreateItem(ctx, containerID, itemID, caller)
		}, nil
	})
}

func (h *handlers) deleteItem(c echo.Context) error {
	return h.serve(c, "delete", "/api/items/:itemId", http.StatusOK, func(c echo.Context) (command, error) {
		itemID, err := domain.ParseItemID(c.Param("itemId"))
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, caller domain.Caller) (domain.DomainEvent, error) {
			return h.coord.DeleteItem(ctx, itemID, caller)
		}, nil
	})
}

// serve authenticates, parses the request into a command, applies the
// Idempotency-Key header and runs the command.
func (h *handlers) serve(c echo.Context, op, route string, okStatus int, parse func(echo.Context) (command, error)) (err error) {
	metrics, ctx := newRequestMetrics(c.Request().Context(), h.log, op, route)
	c.SetRequest(c.Request().WithContext(ctx))
	defer func() { metrics.Log(c.Response().Status, err) }()

	caller, authErr := h.caller(c, metrics)
	if authErr != nil {
		metrics.SetErrorStage("auth")
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: authErr.Error()})
	}
	run, parseErr := parse(c)
	if parseErr != nil {
		return h.fail(c, metrics, "decode", parseErr)
	}

	key := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
	recorded := false
	if key != "" && h.deduper != nil {
		added, dedupeErr := h.deduper.Add(ctx, string(caller.UserID), key)
		switch {
		case dedupeErr != nil:
			h.log.WithError(dedupeErr).WithField("route", route).Warn("idempotency check failed, applying without it")
		case !added:
			metrics.SetDuplicate()
			return c.JSON(http.StatusOK, duplicateResponse{Duplicate: true})
		default:
			recorded = true
		}
	}

	applyStart := time.Now()
	ev, runErr := run(ctx, caller)
	metrics.ObserveApply(time.Since(applyStart))
	if runErr != nil {
		if recorded {
			if rmErr := h.deduper.Remove(context.WithoutCancel(ctx), string(caller.UserID), key); rmErr != nil {
				h.log.WithError(rmErr).WithField("route", route).Warn("release idempotency key")
			}
		}
		return h.fail(c, metrics, "apply", runErr)
	}
	return c.JSON(okStatus, eventResponse{Event: ev})
}

func (h *handlers) getItems(c echo.Context) (err error) {
	metrics, ctx := newRequestMetrics(c.Request().Context(), h.log, "items", "/api/containers/:containerId/items")
	c.SetRequest(c.Request().WithContext(ctx))
	defer func() { metrics.Log(c.Response().Status, err) }()

	caller, authErr := h.caller(c, metrics)
	if authErr != nil {
		metrics.SetErrorStage("auth")
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: authErr.Error()})
	}
	containerID, parseErr := domain.ParseContainerID(c.Param("containerId"))
	if parseErr != nil {
		return h.fail(c, metrics, "decode", parseErr)
	}
	container, lookupErr := h.reader.Container(ctx, containerID)
	if lookupErr != nil {
		return h.fail(c, metrics, "storage", lookupErr)
	}
	member, memberErr := h.reader.IsBoardMember(ctx, caller.UserID, container.BoardID)
	if memberErr != nil {
		return h.fail(c, metrics, "authorize", memberErr)
	}
	if !member {
		return h.fail(c, metrics, "authorize", domain.ErrUnauthorized)
	}

	fetchStart := time.Now()
	items, fetchErr := h.reader.Items(ctx, container.ID)
	metrics.ObserveApply(time.Since(fetchStart))
	if fetchErr != nil {
		return h.fail(c, metrics, "storage", fetchErr)
	}
	if items == nil {
		items = []domain.OrderedItem{}
	}
	metrics.SetItemsReturned(len(items))
	return c.JSON(http.StatusOK, itemsResponse{ContainerID: container.ID, Items: items})
}

func (h *handlers) healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()
	if err := h.reader.Ping(ctx); err != nil {
		h.log.WithError(err).Warn("health check failed")
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "store unavailable", Retryable: true})
	}
	return c.String(http.StatusOK, "ok")
}

func (h *handlers) caller(c echo.Context, metrics *requestMetrics) (domain.Caller, error) {
	start := time.Now()
	userID, err := h.auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	metrics.ObserveAuth(time.Since(start))
	if err != nil {
		return domain.Caller{}, err
	}
	return domain.Caller{
		UserID:       domain.UserID(userID),
		ConnectionID: domain.ConnectionID(strings.TrimSpace(c.Request().Header.Get(headerConnectionID))),
	}, nil
}

// fail writes the error response for err. Internal failures are logged and
// their details withheld from the client.
func (h *handlers) fail(c echo.Context, metrics *requestMetrics, stage string, err error) error {
	status := statusFor(err)
	metrics.SetErrorStage(stage)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		metrics.SetCause(err)
		h.log.WithError(err).WithFields(log.Fields{
			"path":  c.Path(),
			"stage": stage,
		}).Error("request failed")
		msg = "internal error"
	}
	return c.JSON(status, errorResponse{Error: msg, Retryable: domain.Retryable(err)})
}

// decodeBody strictly decodes a JSON body. optional accepts an empty body.
func decodeBody(c echo.Context, v any, optional bool) error {
	if optional && c.Request().ContentLength == 0 {
		return nil
	}
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, requestMaxSize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return domain.ValidationError{Field: "body", Reason: "is not a valid request"}
	}
	return nil
}
