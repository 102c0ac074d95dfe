package server

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/p-blackswan/claude-remote/internal/project"
	"github.com/p-blackswan/claude-remote/internal/store"
)

// deviceView is the device list entry; key material never serializes out.
type deviceView struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// handlePairBegin serves GET /pair/:token. Browsers get redirected to the
// client app with the token; API callers get the server public key.
func (s *Server) handlePairBegin(c *fiber.Ctx) error {
	token := c.Params("token")

	if strings.Contains(c.Get(fiber.HeaderAccept), "text/html") {
		return c.Redirect(s.pairing.RedirectURL(token), fiber.StatusFound)
	}

	serverPublicKey, err := s.pairing.Begin(token)
	if err != nil {
		// Legacy guard: the GET leg reports every pairing refusal as a bad
		// token, including already-paired.
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_pairing_token", "Bad Request", err.Error())
	}
	return c.JSON(fiber.Map{"serverPublicKey": serverPublicKey})
}

// handlePairComplete serves POST /pair/:token.
func (s *Server) handlePairComplete(c *fiber.Ctx) error {
	var req struct {
		ClientPublicKey string `json:"clientPublicKey"`
	}
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}
	if req.ClientPublicKey == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_client_key", "Bad Request", "clientPublicKey is required")
	}

	result, err := s.pairing.Complete(c.Params("token"), req.ClientPublicKey)
	if err != nil {
		return problemFromErr(c, err)
	}
	return c.JSON(fiber.Map{
		"serverPublicKey": result.ServerPublicKey,
		"deviceId":        result.DeviceID,
	})
}

func (s *Server) handleListProjects(c *fiber.Ctx) error {
	projects, err := s.registry.Scan(c.Context())
	if err != nil {
		return problemFromErr(c, err)
	}
	if projects == nil {
		projects = []project.Project{}
	}
	return c.JSON(fiber.Map{"projects": projects})
}

func (s *Server) handleGitStatus(c *fiber.Ctx) error {
	status, err := s.registry.GitStatus(c.Context(), c.Params("id"))
	if err != nil {
		return problemFromErr(c, err)
	}
	return c.JSON(status)
}

func (s *Server) handleGetConversation(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := project.ValidateID(id); err != nil {
		return problemFromErr(c, err)
	}
	conv, err := s.store.Conversation(id)
	if err != nil {
		return problemFromErr(c, err)
	}
	messages := conv.Messages
	if messages == nil {
		messages = []store.Message{}
	}
	return c.JSON(fiber.Map{"messages": messages})
}

// handleClearConversation resets the message history and the stored agent
// session id, so the next job starts a fresh agent session.
func (s *Server) handleClearConversation(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := project.ValidateID(id); err != nil {
		return problemFromErr(c, err)
	}
	if err := s.store.ClearConversation(id); err != nil {
		return problemFromErr(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleGetPR(c *fiber.Ctx) error {
	p, err := s.registry.Get(c.Context(), c.Params("id"))
	if err != nil {
		return problemFromErr(c, err)
	}
	info, err := s.prs.Lookup(c.Context(), p)
	if err != nil {
		return problemFromErr(c, err)
	}
	return c.JSON(info)
}

func (s *Server) handleListWorktrees(c *fiber.Ctx) error {
	entries, err := s.registry.ListWorktrees(c.Context(), c.Params("id"))
	if err != nil {
		return problemFromErr(c, err)
	}
	if entries == nil {
		entries = []project.WorktreeEntry{}
	}
	return c.JSON(fiber.Map{"worktrees": entries})
}

func (s *Server) handleCreateWorktree(c *fiber.Ctx) error {
	var req struct {
		Branch string `json:"branch"`
	}
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}
	if strings.TrimSpace(req.Branch) == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_branch", "Bad Request", "branch is required")
	}

	p, err := s.registry.CreateWorktree(c.Context(), c.Params("id"), req.Branch)
	if err != nil {
		return problemFromErr(c, err)
	}
	return c.JSON(fiber.Map{"project": p})
}

func (s *Server) handleRemoveWorktree(c *fiber.Ctx) error {
	if err := s.registry.RemoveWorktree(c.Context(), c.Params("id")); err != nil {
		return problemFromErr(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleListDevices(c *fiber.Ctx) error {
	devices, err := s.store.Devices()
	if err != nil {
		return problemFromErr(c, err)
	}
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView{ID: d.ID, CreatedAt: d.CreatedAt})
	}
	return c.JSON(fiber.Map{"devices": views})
}

// handleRemoveDevice unpairs a device: its live connections are dropped, its
// push subscription removed, and when it was the last device a fresh pairing
// token is minted so the server can be paired again.
func (s *Server) handleRemoveDevice(c *fiber.Ctx) error {
	id := c.Params("id")

	if err := s.store.RemoveDevice(id); err != nil {
		return problemFromErr(c, err)
	}
	s.hub.CloseDevice(id)
	if err := s.store.RemoveSubscription(id); err != nil {
		s.logger.Error().Err(err).Str("device_id", id).Msg("removing push subscription")
	}

	paired, err := s.store.HasDevices()
	if err == nil && !paired {
		if token, err := s.pairing.EnsureToken(false); err != nil {
			s.logger.Error().Err(err).Msg("minting pairing token")
		} else if token != "" {
			s.logger.Info().Str("url", s.pairing.PairURL(token)).Msg("pairing reopened")
		}
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleVAPIDKey(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"publicKey": s.push.PublicKey()})
}

// handlePushSubscribe registers a subscription over HTTP; the deviceId must
// belong to a paired device.
func (s *Server) handlePushSubscribe(c *fiber.Ctx) error {
	var req struct {
		DeviceID string                 `json:"deviceId"`
		Endpoint string                 `json:"endpoint"`
		Keys     store.SubscriptionKeys `json:"keys"`
	}
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}
	if req.DeviceID == "" || req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_subscription", "Bad Request",
			"deviceId, endpoint and keys are required")
	}

	_, ok, err := s.store.DeviceByID(req.DeviceID)
	if err != nil {
		return problemFromErr(c, err)
	}
	if !ok {
		return problemResponse(c, fiber.StatusUnauthorized,
			"unknown_device", "Unauthorized", "Device is not paired")
	}

	if err := s.store.SaveSubscription(store.PushSubscription{
		DeviceID: req.DeviceID,
		Endpoint: req.Endpoint,
		Keys:     req.Keys,
	}); err != nil {
		return problemFromErr(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// handleDevReload broadcasts a reload frame to authenticated clients.
// Registered in development only.
func (s *Server) handleDevReload(c *fiber.Ctx) error {
	n := s.hub.BroadcastReload()
	return c.JSON(fiber.Map{"clients": n})
}
