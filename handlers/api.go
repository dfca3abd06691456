package handlers

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/karthikraju391/support-console/auth"
	"github.com/karthikraju391/support-console/config"
	"github.com/karthikraju391/support-console/console"
	"github.com/karthikraju391/support-console/feed"
	"github.com/karthikraju391/support-console/models"
	"github.com/karthikraju391/support-console/support"
)

// localKind holds the counterparty account type for the chat handler.
const localKind = "counterpartyKind"

type API struct {
	console       *console.Console
	store         feed.Subscriber
	operatorToken string
	chatSecret    string
	chatTTL       time.Duration
}

func NewAPI(con *console.Console, store feed.Subscriber, cfg config.Config) *API {
	return &API{
		console:       con,
		store:         store,
		operatorToken: cfg.OperatorToken,
		chatSecret:    cfg.ChatTokenSecret,
		chatTTL:       cfg.ChatTokenTTL,
	}
}

// Register mounts the operator API, the dashboard stream and the
// counterparty chat on app.
func (a *API) Register(app *fiber.App) {
	app.Use("/ws", upgradeOnly)
	app.Use("/chat", upgradeOnly)

	api := app.Group("/api", a.requireOperator)
	api.Get("/counters", a.getCounters)
	api.Get("/conversations", a.listConversations)
	api.Get("/focus", a.getFocus)
	api.Put("/focus", a.putFocus)
	api.Delete("/focus", a.deleteFocus)
	api.Post("/conversations/:id/messages", a.reply)
	api.Post("/conversations/:id/terminate", a.terminate)
	api.Post("/contacts", a.contact)
	api.Patch("/accounts/:type/:id", a.setDisabled)
	api.Post("/seen/:collection/:id", a.markSeen)
	api.Post("/roles", a.manageRole)
	api.Post("/chat-tokens", a.issueChatToken)

	app.Get("/ws/dashboard", a.requireOperator, websocket.New(func(c *websocket.Conn) {
		HandleDashboard(c, a.console)
	}))
	app.Get("/chat/:conversationID", a.requireCounterparty, websocket.New(func(c *websocket.Conn) {
		HandleChat(c, a.store, a.console.Sessions())
	}))
}

func upgradeOnly(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// requireOperator is the capability check for operator routes. With no
// token configured every caller is an operator.
func (a *API) requireOperator(c *fiber.Ctx) error {
	if a.operatorToken == "" {
		return c.Next()
	}
	token := strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if token == "" {
		token = c.Query("token")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.operatorToken)) != 1 {
		return fiber.ErrUnauthorized
	}
	return c.Next()
}

// requireCounterparty admits a chat connection only with a token issued for
// that conversation. With no secret configured the type comes from the query.
func (a *API) requireCounterparty(c *fiber.Ctx) error {
	if a.chatSecret == "" {
		c.Locals(localKind, models.Kind(c.Query("type")))
		return c.Next()
	}
	claims, err := auth.ParseChatToken(a.chatSecret, c.Query("token"))
	if err != nil || claims.Subject != c.Params("conversationID") {
		return fiber.ErrUnauthorized
	}
	c.Locals(localKind, claims.Kind)
	return c.Next()
}

type chatTokenRequest struct {
	ID   string      `json:"id"`
	Kind models.Kind `json:"type"`
}

// issueChatToken is called by the counterparty apps' backend to open a chat
// for one of its signed-in accounts.
func (a *API) issueChatToken(c *fiber.Ctx) error {
	if a.chatSecret == "" {
		return fiber.NewError(fiber.StatusConflict, "chat tokens are not enabled")
	}
	var req chatTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if err := support.ValidateID(req.ID); err != nil {
		return err
	}
	if !req.Kind.Valid() {
		return fmt.Errorf("%w: %q", support.ErrInvalidKind, req.Kind)
	}
	token, expires, err := auth.IssueChatToken(a.chatSecret, req.ID, req.Kind, a.chatTTL)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"token": token, "expiresAt": expires})
}

func (a *API) getCounters(c *fiber.Ctx) error {
	counts, err := a.console.Counts(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(counts)
}

func (a *API) listConversations(c *fiber.Ctx) error {
	list, err := a.console.Conversations(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(list)
}

func (a *API) getFocus(c *fiber.Ctx) error {
	view, err := a.console.FocusView(c.UserContext())
	if err != nil {
		return err
	}
	if view == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.JSON(view)
}

type focusRequest struct {
	ID string `json:"id"`
}

func (a *API) putFocus(c *fiber.Ctx) error {
	var req focusRequest
	if err := c.BodyParser(&req); err != nil || req.ID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "id is required")
	}
	view, err := a.console.Focus(c.UserContext(), req.ID)
	if err != nil {
		return err
	}
	return c.JSON(view)
}

func (a *API) deleteFocus(c *fiber.Ctx) error {
	if _, err := a.console.Focus(c.UserContext(), ""); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type messageRequest struct {
	Text string `json:"text"`
}

func (a *API) reply(c *fiber.Ctx) error {
	var req messageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	msg, err := a.console.Reply(c.UserContext(), c.Params("id"), req.Text)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

func (a *API) terminate(c *fiber.Ctx) error {
	if err := a.console.Terminate(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type contactRequest struct {
	models.Counterparty
	Text string `json:"text"`
}

func (a *API) contact(c *fiber.Ctx) error {
	var req contactRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	msg, err := a.console.Contact(c.UserContext(), req.Counterparty, req.Text)
	if err != nil {
		return err
	}
	if msg == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

type disabledRequest struct {
	Disabled bool `json:"disabled"`
}

func (a *API) setDisabled(c *fiber.Ctx) error {
	var req disabledRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	kind := models.Kind(c.Params("type"))
	if err := a.console.SetDisabled(c.UserContext(), kind, c.Params("id"), req.Disabled); err != nil {
		return err
	}
	return c.JSON(console.AccountChange{Kind: kind, ID: c.Params("id"), Disabled: req.Disabled})
}

func (a *API) markSeen(c *fiber.Ctx) error {
	if err := a.console.MarkSeen(c.UserContext(), c.Params("collection"), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *API) manageRole(c *fiber.Ctx) error {
	var req console.RoleRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	message, err := a.console.ManageAdminRole(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"message": message})
}

// ErrorHandler maps domain errors to statuses. Remote procedure failures
// carry their raw text to the operator.
func ErrorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	message := "internal error"

	var (
		fiberErr  *fiber.Error
		remoteErr *console.RemoteError
	)
	switch {
	case errors.As(err, &fiberErr):
		status, message = fiberErr.Code, fiberErr.Message
	case errors.As(err, &remoteErr):
		status, message = fiber.StatusBadGateway, remoteErr.Message
	case errors.Is(err, support.ErrEmptyMessage),
		errors.Is(err, support.ErrInvalidID),
		errors.Is(err, support.ErrInvalidKind),
		errors.Is(err, console.ErrUnknownKind),
		errors.Is(err, console.ErrNotSeenable):
		status, message = fiber.StatusBadRequest, err.Error()
	case errors.Is(err, support.ErrForbidden):
		status, message = fiber.StatusForbidden, err.Error()
	case errors.Is(err, support.ErrNotFound), errors.Is(err, console.ErrAccountNotFound):
		status, message = fiber.StatusNotFound, err.Error()
	default:
		slog.ErrorContext(c.UserContext(), "request failed", "path", c.Path(), "error", err)
	}

	return c.Status(status).JSON(fiber.Map{"error": message})
}
