package auth

import (
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

type pasetoV4Verifier struct {
	issuer    string
	clockSkew time.Duration
	public    paseto.V4AsymmetricPublicKey
}

// NewPasetoV4Verifier verifies v4.public tokens against the configured public key.
//
// If only the secret key is configured, the public key is derived from it.
// Clock skew is applied via ValidAt to tolerate small clock differences with the issuer.
func NewPasetoV4Verifier(cfg Config) (TokenVerifier, error) {
	public, err := pasetoPublicKey(cfg)
	if err != nil {
		return nil, err
	}
	return &pasetoV4Verifier{
		issuer:    cfg.Issuer,
		clockSkew: cfg.ClockSkew,
		public:    public,
	}, nil
}

func pasetoPublicKey(cfg Config) (paseto.V4AsymmetricPublicKey, error) {
	if cfg.PasetoV4PublicKeyHex != "" {
		pk, err := paseto.NewV4AsymmetricPublicKeyFromHex(cfg.PasetoV4PublicKeyHex)
		if err != nil {
			return paseto.V4AsymmetricPublicKey{}, ErrConfig
		}
		return pk, nil
	}
	sk, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
	if err != nil {
		return paseto.V4AsymmetricPublicKey{}, ErrConfig
	}
	return sk.Public(), nil
}

func (v *pasetoV4Verifier) Verify(token string, now time.Time) (Claims, error) {
	validNow := now.Add(v.clockSkew)

	// Fresh parser per call: rules accumulate on the parser.
	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(v.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(v.public, token, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	iss, _ := parsed.GetIssuer()
	exp, _ := parsed.GetExpiration()
	iat, _ := parsed.GetIssuedAt()

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return Claims{}, ErrInvalidToken
	}
	sid, err := parsed.GetString("sid")
	if err != nil || sid == "" {
		return Claims{}, ErrInvalidToken
	}

	return Claims{
		UserID:    uid,
		SessionID: sid,
		ExpiresAt: exp,
		IssuedAt:  iat,
		Issuer:    iss,
	}, nil
}

type pasetoV4Issuer struct {
	issuer string
	ttl    time.Duration
	secret paseto.V4AsymmetricSecretKey
}

// NewPasetoV4Issuer mints v4.public tokens with the secret key from cfg.
func NewPasetoV4Issuer(cfg Config, ttl time.Duration) (TokenIssuer, error) {
	if ttl <= 0 || cfg.Issuer == "" {
		return nil, ErrConfig
	}
	sk, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
	if err != nil {
		return nil, ErrConfig
	}
	return &pasetoV4Issuer{issuer: cfg.Issuer, ttl: ttl, secret: sk}, nil
}

func (i *pasetoV4Issuer) Issue(userID, sessionID string, now time.Time) (string, time.Time, error) {
	if userID == "" || sessionID == "" {
		return "", time.Time{}, ErrInvalidToken
	}
	exp := now.Add(i.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(i.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	_ = tok.Set("uid", userID)
	_ = tok.Set("sid", sessionID)

	return tok.V4Sign(i.secret, nil), exp, nil
}

// NewPasetoV4KeyHex generates a fresh keypair, hex-encoded. Used by tests and dev tooling.
func NewPasetoV4KeyHex() (secretHex, publicHex string) {
	sk := paseto.NewV4AsymmetricSecretKey()
	return sk.ExportHex(), sk.Public().ExportHex()
}
