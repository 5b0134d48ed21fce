package qauth

// Credential field names as they appear in a request envelope.
const (
	FieldIP        = "ip"
	FieldLanguage  = "language"
	FieldSecretKey = "secret_key"
	FieldSecretJS  = "secretKey"
)

// Credentials are the identity fields presented with a request.
type Credentials struct {
	SecretKey string
	IP        string
	Language  string
}

// ParseCredentials resolves the credentials object of a request. Absent ip
// and language fields resolve to the wildcard. The secret key is read from
// secretKey for nodejs callers and from secret_key otherwise, falling back to
// the other spelling when the preferred one is absent.
func ParseCredentials(m map[string]any) Credentials {
	c := Credentials{
		IP:       stringOr(m, FieldIP, Wildcard),
		Language: stringOr(m, FieldLanguage, Wildcard),
	}
	first, second := FieldSecretKey, FieldSecretJS
	if c.Language == "nodejs" {
		first, second = second, first
	}
	c.SecretKey = stringOr(m, first, "")
	if c.SecretKey == "" {
		c.SecretKey = stringOr(m, second, "")
	}
	return c
}

func stringOr(m map[string]any, key, def string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}
