package auth

import (
	"errors"

	"github.com/carelink/gateway/internal/platform/apierror"
)

const (
	msgMissingToken = "Access token required"
	msgInvalidToken = "Invalid or expired token"
)

// APIError classifies an error from this package for the client. Errors it
// does not recognise become Internal.
func APIError(err error) *apierror.Error {
	var ae *apierror.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ae):
		return ae
	case errors.Is(err, ErrStateMismatch):
		return apierror.Wrap(apierror.KindStateMismatch, "Invalid or expired state parameter", err)
	case errors.Is(err, ErrDiscoveryFailed):
		return apierror.Wrap(apierror.KindDiscoveryFailed, "Failed to contact SMART authorization server", err)
	case errors.Is(err, ErrUpstreamTimeout):
		return apierror.Wrap(apierror.KindUpstreamTimeout, "Authorization server timed out", err)
	case errors.Is(err, ErrTokenExchangeFailed):
		return apierror.Wrap(apierror.KindTokenExchangeFailed, "Failed to exchange authorization code", err)
	case errors.Is(err, ErrClaimValidationFailed):
		return apierror.Wrap(apierror.KindClaimValidationFailed, "Invalid identity token", err)
	case errors.Is(err, ErrExpired):
		return apierror.Wrap(apierror.KindInvalidCredential, msgInvalidToken, err)
	case errors.Is(err, ErrInvalidSignature):
		return apierror.Wrap(apierror.KindInvalidCredential, msgInvalidToken, err)
	case errors.Is(err, ErrUnauthenticated):
		return apierror.Wrap(apierror.KindMissingCredential, msgMissingToken, err)
	case errors.Is(err, ErrForbidden):
		return apierror.Wrap(apierror.KindForbidden, "Insufficient permissions", err)
	default:
		return apierror.Wrap(apierror.KindInternal, "internal server error", err)
	}
}
