// Package auth verifies bearer credentials and resolves them to a Principal.
//
// Credentials are issued elsewhere (the account service). This package only checks them:
//   - PASETO v4.public tokens, verified with the issuer's Ed25519 public key.
//   - HS256 JWTs, verified with a shared secret.
//
// Both formats carry the user id and a session id. The Authenticator then resolves the user id
// through identity.Directory so that callers get a display identity, not just an id.
package auth
