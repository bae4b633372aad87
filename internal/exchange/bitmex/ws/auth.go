package ws

import (
	"bitmexmd/internal/exchange/bitmex/sign"
	"time"
)

func authAction(cred Credential, now time.Time) *Action {
	expires, signature := sign.Realtime(cred.Secret, now)
	return &Action{Op: OpAuthKeyExpires, Args: []any{cred.Key, expires, signature}}
}
