package session

import (
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.mau.fi/whatsmeow/types"
)

const (
	aliasCacheTTL   = 24 * time.Hour
	aliasCacheSweep = 1 * time.Hour

	aliasServer = "lid"
)

// recordAlias remembers a mapping from an anonymized sender identifier to the
// real phone number, learned whenever the network delivers both forms of the
// same participant.
func (s *meowSocket) recordAlias(primary types.JID, alt types.JID) {
	aliasJID, phoneJID := primary, alt
	if aliasJID.Server != aliasServer {
		aliasJID, phoneJID = alt, primary
	}
	if aliasJID.Server != aliasServer || phoneJID.Server != types.DefaultUserServer {
		return
	}
	s.aliases.Set(aliasJID.User, phoneJID.User, cache.DefaultExpiration)
	s.logger.Debug("Recorded alias mapping", "alias", aliasJID.User, "phone", phoneJID.User)
}

// ResolveAlias implements the optional AliasResolver capability. A miss means
// no resolution is available, never an error.
func (s *meowSocket) ResolveAlias(id string) (string, bool) {
	id = strings.TrimSuffix(id, "@"+aliasServer)
	if id == "" {
		return "", false
	}
	if phone, found := s.aliases.Get(id); found {
		return phone.(string), true
	}
	return "", false
}

func timestampFromUnix(secs uint64) time.Time {
	if secs == 0 {
		return time.Time{}
	}
	return time.Unix(int64(secs), 0)
}
