package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/p-blackswan/claude-remote/internal/job"
	"github.com/p-blackswan/claude-remote/internal/pairing"
	"github.com/p-blackswan/claude-remote/internal/project"
)

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}

// problemFromErr renders the problem response for a known domain error,
// falling back to a 500 whose detail is the error text (git failures surface
// their stderr excerpt this way).
func problemFromErr(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, project.ErrInvalidID):
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_project_id", "Bad Request", err.Error())
	case errors.Is(err, project.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound,
			"project_not_found", "Not Found", err.Error())
	case errors.Is(err, project.ErrNoPR):
		return problemResponse(c, fiber.StatusNotFound,
			"no_pull_request", "Not Found", err.Error())
	case errors.Is(err, project.ErrNotWorktree):
		return problemResponse(c, fiber.StatusBadRequest,
			"not_a_worktree", "Bad Request", err.Error())
	case errors.Is(err, project.ErrWorktreeExists):
		return problemResponse(c, fiber.StatusConflict,
			"worktree_exists", "Conflict", err.Error())
	case errors.Is(err, pairing.ErrInvalidToken):
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_pairing_token", "Bad Request", err.Error())
	case errors.Is(err, pairing.ErrAlreadyPaired):
		return problemResponse(c, fiber.StatusConflict,
			"already_paired", "Conflict", err.Error())
	case errors.Is(err, job.ErrBusy):
		return problemResponse(c, fiber.StatusConflict,
			"project_busy", "Conflict", err.Error())
	default:
		return problemResponse(c, fiber.StatusInternalServerError,
			"internal_error", "Internal Server Error", err.Error())
	}
}
