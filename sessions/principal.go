package sessions

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the replicable form of an authenticated identity. The inner
// UserPrincipal is opaque to the replication layer and travels through the
// configured Codec; it may be nil.
type Principal struct {
	Name          string
	Password      string
	Roles         []string
	UserPrincipal any
}

// HasRole reports whether the principal carries the named role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (p *Principal) writeTo(ew *errWriter, codec Codec) {
	ew.writeString(p.Name)
	ew.writeBool(p.Password != "")
	if p.Password != "" {
		ew.writeString(p.Password)
	}
	ew.writeInt32(int32(len(p.Roles)))
	for _, r := range p.Roles {
		ew.writeString(r)
	}
	hasUser := p.UserPrincipal != nil
	ew.writeBool(hasUser)
	if hasUser && ew.err == nil {
		data, err := codec.Encode(p.UserPrincipal)
		if err != nil {
			ew.err = fmt.Errorf("encode user principal: %w", err)
			return
		}
		ew.writeBytes(data)
	}
}

func readPrincipal(er *errReader, codec Codec) *Principal {
	p := &Principal{}
	p.Name = er.readString()
	if er.readBool() {
		p.Password = er.readString()
	}
	n := er.readInt32()
	if er.err != nil {
		return nil
	}
	if n > 0 {
		p.Roles = make([]string, 0, n)
		for i := int32(0); i < n; i++ {
			p.Roles = append(p.Roles, er.readString())
		}
	}
	if er.readBool() {
		data := er.readBytes()
		if er.err != nil {
			return nil
		}
		v, err := codec.Decode(data)
		if err != nil {
			er.err = fmt.Errorf("decode user principal: %w", err)
			return nil
		}
		p.UserPrincipal = v
	}
	if er.err != nil {
		return nil
	}
	return p
}

// ErrNoSubject is returned by PrincipalFromClaims when the claims carry no
// subject to use as the principal name.
var ErrNoSubject = errors.New("claims carry no subject")

// PrincipalFromClaims builds a replicable Principal from verified JWT claims.
// The subject becomes the name; roles are taken from a "roles" claim when
// present. Verification is the caller's concern.
func PrincipalFromClaims(claims jwt.MapClaims) (*Principal, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrNoSubject
	}
	p := &Principal{Name: sub}
	if raw, ok := claims["roles"]; ok {
		switch roles := raw.(type) {
		case []string:
			p.Roles = append(p.Roles, roles...)
		case []any:
			for _, r := range roles {
				if s, ok := r.(string); ok {
					p.Roles = append(p.Roles, s)
				}
			}
		case string:
			p.Roles = append(p.Roles, roles)
		}
	}
	return p, nil
}
