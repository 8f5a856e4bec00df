package database

import (
	"context"
	"errors"
	"time"
)

const (
	BotCollectionName      = "bots"
	ClientCollectionName   = "clients"
	AuthcodeCollectionName = "authcodes"

	// ProtocolEcoNG is the company/protocol tag recorded for MQTT bots.
	ProtocolEcoNG = "eco-ng"
)

var collectionsList = []string{BotCollectionName, ClientCollectionName, AuthcodeCollectionName}

var (
	ErrClientIDEmpty = errors.New("client_id is empty")
	ErrNotFound      = errors.New("document does not exist")
)

// Bot is a robot device known to the broker.
type Bot struct {
	Serial         string `bson:"sn" json:"sn"`
	DID            string `bson:"did" json:"did"`
	Class          string `bson:"class" json:"class"`
	Resource       string `bson:"resource" json:"resource"`
	Company        string `bson:"company" json:"company"`
	Name           string `bson:"name,omitempty" json:"name,omitempty"`
	MQTTConnection bool   `bson:"mqtt_connection" json:"mqtt_connection"`
	XMPPConnection bool   `bson:"xmpp_connection" json:"xmpp_connection"`
}

// Client is an app or operator connection, keyed by resource.
type Client struct {
	UserID         string `bson:"userid" json:"userid"`
	Realm          string `bson:"realm" json:"realm"`
	Resource       string `bson:"resource" json:"resource"`
	MQTTConnection bool   `bson:"mqtt_connection" json:"mqtt_connection"`
	XMPPConnection bool   `bson:"xmpp_connection" json:"xmpp_connection"`
}

// Authcode is a credential issued to an operator user id.
type Authcode struct {
	UserID    string    `bson:"userid" json:"userid"`
	Authcode  string    `bson:"authcode" json:"authcode"`
	ExpiresAt time.Time `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
}

func (a Authcode) Valid(now time.Time) bool {
	return a.ExpiresAt.IsZero() || now.Before(a.ExpiresAt)
}

// Registry is the device registry. Implementations must make every
// operation atomic per key under concurrent callers.
type Registry interface {
	UpsertBot(ctx context.Context, bot Bot) error
	GetBot(ctx context.Context, did string) (*Bot, error)
	SetBotConnected(ctx context.Context, did string, connected bool) error

	UpsertClient(ctx context.Context, client Client) error
	GetClient(ctx context.Context, resource string) (*Client, error)
	SetClientConnected(ctx context.Context, resource string, connected bool) error

	AuthcodeVerifier
}

// AuthcodeVerifier checks operator credentials.
type AuthcodeVerifier interface {
	AddAuthcode(ctx context.Context, code Authcode) error
	CheckAuthcode(ctx context.Context, userID, authcode string) (bool, error)
}

func NewBot(serial, did, class, resource string) Bot {
	return Bot{
		Serial:   serial,
		DID:      did,
		Class:    class,
		Resource: resource,
		Company:  ProtocolEcoNG,
	}
}

func NewClient(userID, realm, resource string) Client {
	return Client{UserID: userID, Realm: realm, Resource: resource}
}
