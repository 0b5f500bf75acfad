package chat

import (
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// DefaultOfferTTL is how long an analysis offer accepts depth selections.
const DefaultOfferTTL = 5 * time.Minute

// Offer is an open invitation to pick an analysis depth for a completed
// session. Any number of selections are accepted until it expires.
type Offer struct {
	ID        string
	SessionID string
	UserID    string
	ChannelID string
	ExpiresAt time.Time
}

// Offers holds open offers keyed by (user, channel). Expired entries are
// invisible to Get and swept in the background.
type Offers struct {
	cache *gocache.Cache
	ttl   time.Duration
}

// NewOffers creates an offer registry with the given window.
func NewOffers(ttl time.Duration) *Offers {
	if ttl <= 0 {
		ttl = DefaultOfferTTL
	}
	return &Offers{
		cache: gocache.New(ttl, ttl),
		ttl:   ttl,
	}
}

func offerKey(userID, channelID string) string {
	return userID + "\x00" + channelID
}

// Open registers (or replaces) the offer for the key.
func (o *Offers) Open(userID, channelID, sessionID string) Offer {
	offer := Offer{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		ChannelID: channelID,
		ExpiresAt: time.Now().Add(o.ttl),
	}
	o.cache.Set(offerKey(userID, channelID), offer, gocache.DefaultExpiration)
	return offer
}

// Get returns the live offer for the key.
func (o *Offers) Get(userID, channelID string) (Offer, bool) {
	v, ok := o.cache.Get(offerKey(userID, channelID))
	if !ok {
		return Offer{}, false
	}
	offer, ok := v.(Offer)
	return offer, ok
}

// Close withdraws the offer for the key.
func (o *Offers) Close(userID, channelID string) {
	o.cache.Delete(offerKey(userID, channelID))
}

// TTL returns the offer window.
func (o *Offers) TTL() time.Duration {
	return o.ttl
}
