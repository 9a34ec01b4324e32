package bitget

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/dasein108/cex-arbitrage-sub009/internal/domain"
)

// Bitget error codes with a domain meaning.
var (
	notFoundCodes = map[string]bool{
		"40768": true, // order does not exist
		"43001": true, // order does not exist (spot)
	}
	insufficientCodes = map[string]bool{
		"40762": true, // order amount exceeds balance
		"43012": true, // insufficient balance
	}
)

// APIError is a non-success REST response.
type APIError struct {
	Status int
	Code   string
	Msg    string
	Path   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bitget %s: http %d code %s: %s", e.Path, e.Status, e.Code, e.Msg)
}

// Unwrap classifies the error for errors.Is against the domain sentinels.
// Authentication and parameter errors (40xxx) match none of them and are
// therefore fatal to an engine.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusTooManyRequests || e.Code == "429" || e.Status >= 500:
		return domain.ErrTransient
	case notFoundCodes[e.Code]:
		return domain.ErrOrderNotFound
	case insufficientCodes[e.Code]:
		return domain.ErrInsufficientBalance
	case strings.HasPrefix(e.Code, "43"), strings.HasPrefix(e.Code, "45"):
		return domain.ErrRejected
	}
	return nil
}
