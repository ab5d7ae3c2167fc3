package facade

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relayhub/relayhub/pkg/logging"
)

// warnIfCredentialExpired opportunistically parses credential as a JWT
// without verifying its signature and logs a debug line if its exp claim
// is already in the past. This is not authentication — Non-goals still
// exclude that — it never rejects a credential or gates Start; it only
// gives an operator a chance to notice a stale token before the upstream
// connection rejects the first frame.
func warnIfCredentialExpired(logger logging.Sink, credential string) {
	if credential == "" {
		return
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(credential, claims); err != nil {
		return
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	if exp.Before(time.Now()) {
		logger.Debug("credential appears expired", "exp", exp.Time.Format(time.RFC3339))
	}
}
