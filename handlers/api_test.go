package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/karthikraju391/support-console/auth"
	"github.com/karthikraju391/support-console/config"
	"github.com/karthikraju391/support-console/console"
	"github.com/karthikraju391/support-console/counters"
	"github.com/karthikraju391/support-console/eventloop"
	"github.com/karthikraju391/support-console/feed"
	"github.com/karthikraju391/support-console/handlers"
	"github.com/karthikraju391/support-console/models"
	"github.com/karthikraju391/support-console/support"
)

const (
	token      = "s3cret"
	chatSecret = "chat-s3cret"
)

var _ = Describe("API", func() {
	var (
		ctx   context.Context
		store *feed.MemoryStore
		con   *console.Console
		app   *fiber.App
	)

	do := func(method, target, body string) *http.Response {
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req := httptest.NewRequest(method, target, reader)
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
		if body != "" {
			req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		}
		resp, err := app.Test(req, -1)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decode := func(resp *http.Response, out any) {
		defer resp.Body.Close()
		Expect(json.NewDecoder(resp.Body).Decode(out)).To(Succeed())
	}

	errorOf := func(resp *http.Response) string {
		var body struct {
			Error string `json:"error"`
		}
		decode(resp, &body)
		return body.Error
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = feed.NewMemoryStore()
		Expect(store.UpsertMerge(ctx, models.CollectionDrivers, "d1", feed.Fields{models.FieldViewedByAdmin: false})).To(Succeed())
		Expect(store.UpsertMerge(ctx, models.CollectionSupportChats, "d1", feed.Fields{
			models.FieldStatus:        string(models.StatusOpen),
			models.FieldType:          string(models.KindOperator),
			models.FieldUnreadByAdmin: true,
		})).To(Succeed())

		con = console.New(store, eventloop.Immediate{})
		Expect(con.Start(ctx)).To(Succeed())

		app = fiber.New(fiber.Config{ErrorHandler: handlers.ErrorHandler})
		handlers.NewAPI(con, store, config.Config{
			OperatorToken:   token,
			ChatTokenSecret: chatSecret,
			ChatTokenTTL:    time.Hour,
		}).Register(app)
	})

	AfterEach(func() {
		Expect(con.Stop(ctx)).To(Succeed())
	})

	Describe("operator token", func() {
		It("rejects requests without it", func() {
			req := httptest.NewRequest(http.MethodGet, "/api/counters", nil)
			resp, err := app.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(fiber.StatusUnauthorized))
		})

		It("accepts it as a query parameter", func() {
			req := httptest.NewRequest(http.MethodGet, "/api/counters?token="+token, nil)
			resp, err := app.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(fiber.StatusOK))
		})

		It("lets everyone in when none is configured", func() {
			open := fiber.New(fiber.Config{ErrorHandler: handlers.ErrorHandler})
			handlers.NewAPI(con, store, config.Config{}).Register(open)
			resp, err := open.Test(httptest.NewRequest(http.MethodGet, "/api/conversations", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(fiber.StatusOK))
		})
	})

	It("serves the badge counts", func() {
		resp := do(http.MethodGet, "/api/counters", "")
		Expect(resp.StatusCode).To(Equal(fiber.StatusOK))

		var counts counters.Counts
		decode(resp, &counts)
		Expect(counts).To(HaveKeyWithValue(counters.CategoryUsers, 1))
		Expect(counts).To(HaveKeyWithValue(counters.CategorySupport, 1))
	})

	It("serves the conversation list", func() {
		resp := do(http.MethodGet, "/api/conversations", "")
		Expect(resp.StatusCode).To(Equal(fiber.StatusOK))

		var list []models.Conversation
		decode(resp, &list)
		Expect(list).To(HaveLen(1))
		Expect(list[0].ID).To(Equal("d1"))
	})

	Describe("focus", func() {
		It("has no content before anything is focused", func() {
			Expect(do(http.MethodGet, "/api/focus", "").StatusCode).To(Equal(fiber.StatusNoContent))
		})

		It("focuses, reads and clears", func() {
			resp := do(http.MethodPut, "/api/focus", `{"id":"d1"}`)
			Expect(resp.StatusCode).To(Equal(fiber.StatusOK))
			var view console.FocusView
			decode(resp, &view)
			Expect(view.Conversation.ID).To(Equal("d1"))
			Expect(view.Conversation.UnreadByAdmin).To(BeFalse())

			Expect(do(http.MethodGet, "/api/focus", "").StatusCode).To(Equal(fiber.StatusOK))
			Expect(do(http.MethodDelete, "/api/focus", "").StatusCode).To(Equal(fiber.StatusNoContent))
			Expect(do(http.MethodGet, "/api/focus", "").StatusCode).To(Equal(fiber.StatusNoContent))
		})

		It("requires an id", func() {
			Expect(do(http.MethodPut, "/api/focus", `{}`).StatusCode).To(Equal(fiber.StatusBadRequest))
		})
	})

	Describe("conversations", func() {
		It("sends an operator reply", func() {
			resp := do(http.MethodPost, "/api/conversations/d1/messages", `{"text":"On my way"}`)
			Expect(resp.StatusCode).To(Equal(fiber.StatusCreated))

			var msg models.Message
			decode(resp, &msg)
			Expect(msg.SenderID).To(Equal(models.OperatorSenderID))
			Expect(msg.ConversationID).To(Equal("d1"))
		})

		It("rejects blank replies", func() {
			resp := do(http.MethodPost, "/api/conversations/d1/messages", `{"text":"  "}`)
			Expect(resp.StatusCode).To(Equal(fiber.StatusBadRequest))
			Expect(errorOf(resp)).To(Equal(support.ErrEmptyMessage.Error()))
		})

		It("terminates", func() {
			Expect(do(http.MethodPost, "/api/conversations/d1/terminate", "").StatusCode).To(Equal(fiber.StatusNoContent))
			conv, _, err := con.Sessions().Conversation(ctx, "d1")
			Expect(err).NotTo(HaveOccurred())
			Expect(conv.Closed()).To(BeTrue())
		})

		It("cannot terminate what does not exist", func() {
			Expect(do(http.MethodPost, "/api/conversations/ghost/terminate", "").StatusCode).To(Equal(fiber.StatusNotFound))
		})

		It("opens a conversation from the account list", func() {
			resp := do(http.MethodPost, "/api/contacts", `{"id":"u9","type":"Client","name":"Ada","email":"ada@example.com","text":"Hello Ada"}`)
			Expect(resp.StatusCode).To(Equal(fiber.StatusCreated))

			conv, found, err := con.Sessions().Conversation(ctx, "u9")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(conv.UserName).To(Equal("Ada"))
			Expect(conv.LastMessage).To(Equal("Hello Ada"))
		})
	})

	Describe("accounts", func() {
		It("toggles the disabled flag", func() {
			resp := do(http.MethodPatch, "/api/accounts/Pro/d1", `{"disabled":true}`)
			Expect(resp.StatusCode).To(Equal(fiber.StatusOK))

			rec, _, err := store.Read(ctx, models.CollectionDrivers, "d1")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Fields[models.FieldDisabled]).To(Equal(true))
		})

		It("marks records seen", func() {
			Expect(do(http.MethodPost, "/api/seen/drivers/d1", "").StatusCode).To(Equal(fiber.StatusNoContent))
			Expect(do(http.MethodPost, "/api/seen/supportChats/d1", "").StatusCode).To(Equal(fiber.StatusBadRequest))
		})

		It("relays the role procedure's failure text", func() {
			store.Register(console.ProcedureManageAdminRole, func(context.Context, json.RawMessage) (any, error) {
				return nil, errors.New("no account with that email")
			})

			resp := do(http.MethodPost, "/api/roles", `{"email":"x@example.com","makeAdmin":true,"userType":"Client"}`)
			Expect(resp.StatusCode).To(Equal(fiber.StatusBadGateway))
			Expect(errorOf(resp)).To(Equal("no account with that email"))
		})
	})

	Describe("counterparty chat", func() {
		upgrade := func(target string) *http.Response {
			req := httptest.NewRequest(http.MethodGet, target, nil)
			req.Header.Set(fiber.HeaderConnection, "Upgrade")
			req.Header.Set(fiber.HeaderUpgrade, "websocket")
			resp, err := app.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		It("refuses connections without a token", func() {
			Expect(upgrade("/chat/d1?type=Pro").StatusCode).To(Equal(fiber.StatusUnauthorized))
		})

		It("refuses a token issued for another conversation", func() {
			other, _, err := auth.IssueChatToken(chatSecret, "u7", models.KindCustomer, time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(upgrade("/chat/d1?token=" + other).StatusCode).To(Equal(fiber.StatusUnauthorized))
		})

		It("refuses a token signed with another secret", func() {
			forged, _, err := auth.IssueChatToken("guess", "d1", models.KindOperator, time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(upgrade("/chat/d1?token=" + forged).StatusCode).To(Equal(fiber.StatusUnauthorized))
		})

		It("issues tokens to operators", func() {
			resp := do(http.MethodPost, "/api/chat-tokens", `{"id":"d1","type":"Pro"}`)
			Expect(resp.StatusCode).To(Equal(fiber.StatusCreated))

			var body struct {
				Token string `json:"token"`
			}
			decode(resp, &body)
			claims, err := auth.ParseChatToken(chatSecret, body.Token)
			Expect(err).NotTo(HaveOccurred())
			Expect(claims.Subject).To(Equal("d1"))
			Expect(claims.Kind).To(Equal(models.KindOperator))
		})

		It("validates token requests", func() {
			Expect(do(http.MethodPost, "/api/chat-tokens", `{"id":"a.b","type":"Pro"}`).StatusCode).To(Equal(fiber.StatusBadRequest))
			Expect(do(http.MethodPost, "/api/chat-tokens", `{"id":"d1","type":"Robot"}`).StatusCode).To(Equal(fiber.StatusBadRequest))
		})
	})

	It("refuses plain HTTP on websocket routes", func() {
		Expect(do(http.MethodGet, "/ws/dashboard", "").StatusCode).To(Equal(fiber.StatusUpgradeRequired))
		Expect(do(http.MethodGet, "/chat/d1?type=Pro", "").StatusCode).To(Equal(fiber.StatusUpgradeRequired))
	})
})

var _ = Describe("ErrorHandler", func() {
	DescribeTable("maps errors to statuses",
		func(err error, status int) {
			app := fiber.New(fiber.Config{ErrorHandler: handlers.ErrorHandler})
			app.Get("/", func(*fiber.Ctx) error { return err })

			resp, testErr := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
			Expect(testErr).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(status))
		},
		Entry("fiber error", fiber.ErrTeapot, fiber.StatusTeapot),
		Entry("remote failure", &console.RemoteError{Message: "boom"}, fiber.StatusBadGateway),
		Entry("empty message", support.ErrEmptyMessage, fiber.StatusBadRequest),
		Entry("wrapped invalid id", fmt.Errorf("x: %w", support.ErrInvalidID), fiber.StatusBadRequest),
		Entry("unknown kind", console.ErrUnknownKind, fiber.StatusBadRequest),
		Entry("forbidden", support.ErrForbidden, fiber.StatusForbidden),
		Entry("missing conversation", support.ErrNotFound, fiber.StatusNotFound),
		Entry("missing account", console.ErrAccountNotFound, fiber.StatusNotFound),
		Entry("anything else", errors.New("disk on fire"), fiber.StatusInternalServerError),
	)

	It("hides unexpected error text", func() {
		app := fiber.New(fiber.Config{ErrorHandler: handlers.ErrorHandler})
		app.Get("/", func(*fiber.Ctx) error { return errors.New("disk on fire") })

		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
		Expect(err).NotTo(HaveOccurred())
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(ContainSubstring("internal error"))
		Expect(string(body)).NotTo(ContainSubstring("disk on fire"))
	})
})
