// Package identity parses and classifies broker client identifiers of the
// form <id>@<realm>/<resource>.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

const (
	HelperBotUserID   = "helperbot"
	HelperBotRealm    = "bumper"
	HelperBotResource = "helperbot"
)

// HelperBotClientID is the reserved identity used by the RPC correlator.
var HelperBotClientID = HelperBotUserID + "@" + HelperBotRealm + "/" + HelperBotResource

var ErrMalformedIdentity = errors.New("malformed client identity")

type Kind int

const (
	KindBot Kind = iota + 1
	KindOperator
	KindHelperBot
)

func (k Kind) String() string {
	switch k {
	case KindBot:
		return "bot"
	case KindOperator:
		return "client"
	case KindHelperBot:
		return "helperbot"
	default:
		return "unknown"
	}
}

// Identity is an immutable, classified client id.
//
// For bots, ID is the device DID, Realm the device class and Resource the
// device resource. For operators, ID is the user id.
type Identity struct {
	Raw      string
	Kind     Kind
	ID       string
	Realm    string
	Resource string
}

// Classifier decides which realms belong to end users and operators.
// Everything else is a device.
type Classifier struct {
	knownRealms []string
}

func NewClassifier(knownRealms ...string) *Classifier {
	realms := make([]string, 0, len(knownRealms))
	for _, r := range knownRealms {
		if r = strings.TrimSpace(r); r != "" {
			realms = append(realms, r)
		}
	}
	return &Classifier{knownRealms: realms}
}

// IsKnownRealm reports whether realm names an end-user or operator realm.
// Realms are matched by substring so that "ecouser.net" matches "ecouser".
func (c *Classifier) IsKnownRealm(realm string) bool {
	for _, known := range c.knownRealms {
		if strings.Contains(realm, known) {
			return true
		}
	}
	return false
}

// Split breaks a raw id into its three parts without classifying it.
func Split(raw string) (id, realm, resource string, err error) {
	id, rest, ok := strings.Cut(raw, "@")
	if !ok || id == "" {
		return "", "", "", fmt.Errorf("%w: %q has no id@realm part", ErrMalformedIdentity, raw)
	}
	realm, resource, ok = strings.Cut(rest, "/")
	if !ok || realm == "" {
		return "", "", "", fmt.Errorf("%w: %q has no realm/resource part", ErrMalformedIdentity, raw)
	}
	return id, realm, resource, nil
}

func (c *Classifier) Parse(raw string) (Identity, error) {
	id, realm, resource, err := Split(raw)
	if err != nil {
		return Identity{Raw: raw}, err
	}
	ident := Identity{Raw: raw, ID: id, Realm: realm, Resource: resource}
	switch {
	case !c.IsKnownRealm(realm):
		ident.Kind = KindBot
	case id == HelperBotUserID:
		ident.Kind = KindHelperBot
	default:
		ident.Kind = KindOperator
	}
	return ident, nil
}

func (i Identity) String() string {
	return i.Raw
}
