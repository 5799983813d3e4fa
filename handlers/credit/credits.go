package credit

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/lessonloop/lessonloop-api/model"
	"github.com/lessonloop/lessonloop-api/services"
	"github.com/lessonloop/lessonloop-api/utils/middleware"
	"github.com/lessonloop/lessonloop-api/utils/response"
	"github.com/lessonloop/lessonloop-api/utils/validation"
)

// CreditHandler handles platform-credit API endpoints
type CreditHandler struct {
	creditService *services.CreditService
	validator     *validation.Validator
}

// NewCreditHandler creates a new credit handler
func NewCreditHandler(creditService *services.CreditService) *CreditHandler {
	return &CreditHandler{
		creditService: creditService,
		validator:     validation.NewValidator(),
	}
}

// GetBalance handles GET /api/v1/credits/balance
func (h *CreditHandler) GetBalance(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	balance, err := h.creditService.AvailableBalance(c.Context(), user.ID)
	if err != nil {
		return response.InternalServerError(c, "Failed to fetch credit balance")
	}

	return response.Success(c, fiber.Map{
		"balance_cents":      balance,
		"debt_cents":         user.CreditDebtCents,
		"account_restricted": user.AccountRestricted,
	})
}

// ListCredits handles GET /api/v1/credits
func (h *CreditHandler) ListCredits(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))

	credits, total, err := h.creditService.ListCredits(c.Context(), user.ID, limit, offset)
	if err != nil {
		return response.InternalServerError(c, "Failed to list credits")
	}

	return response.Success(c, fiber.Map{
		"credits": credits,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// grantCreditRequest is the body for an admin credit grant
type grantCreditRequest struct {
	UserID      uint   `json:"user_id" validate:"required"`
	AmountCents int64  `json:"amount_cents" validate:"required,gt=0"`
	Description string `json:"description"`
}

// GrantCredit handles POST /api/v1/admin/credits (admin only)
func (h *CreditHandler) GrantCredit(c *fiber.Ctx) error {
	var req grantCreditRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}

	credit, err := h.creditService.IssueCredit(c.Context(), req.UserID, req.AmountCents, model.CreditSourceAdminGrant, nil)
	if err != nil {
		return response.InternalServerError(c, "Failed to grant credit")
	}

	return response.Created(c, credit)
}

// RevokeCredit handles DELETE /api/v1/admin/credits/:id (admin only)
func (h *CreditHandler) RevokeCredit(c *fiber.Ctx) error {
	creditID, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return response.BadRequest(c, "Invalid credit ID")
	}

	credit, err := h.creditService.RevokeCredit(c.Context(), uint(creditID))
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return response.NotFound(c, "Credit not found")
		case errors.Is(err, services.ErrCreditNotRevocable):
			return response.Conflict(c, "Only available credits can be revoked")
		default:
			return response.InternalServerError(c, "Failed to revoke credit")
		}
	}

	return response.SuccessWithMessage(c, "Credit revoked", credit)
}
