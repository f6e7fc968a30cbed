package gateway

import (
	"github.com/gin-gonic/gin"

	"github.com/dorkos/dorkos/apperr"
)

// writeError maps err onto the status families of spec §7 and writes
// {error, code}. Messages are already sanitized by the time they reach
// apperr.Error — no stack traces cross this boundary.
func writeError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	c.JSON(apperr.HTTPStatus(code), gin.H{"error": err.Error(), "code": code})
}

func writeFeatureDisabled(c *gin.Context, feature string) {
	writeError(c, apperr.New(apperr.CodeFeatureDisabled, feature+" is disabled in config"))
}

// invalidInput wraps a raw error (JSON decode failure, config.Validate)
// with CodeInvalidInput so it maps onto 400 the same as a domain-raised one.
func invalidInput(err error) error {
	return apperr.Wrap(apperr.CodeInvalidInput, "invalid request", err)
}
