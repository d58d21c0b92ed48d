package intelligence

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/ledgerline/opshub/internal/db"
)

// Match reasons recorded on classifications.
const (
	MatchEmail  = "email"
	MatchDomain = "domain"
	MatchName   = "name"
)

// Mailbox providers whose domain says nothing about the sender's company.
var freeMailDomains = map[string]bool{
	"gmail.com": true, "googlemail.com": true, "yahoo.com": true, "outlook.com": true,
	"hotmail.com": true, "live.com": true, "msn.com": true, "aol.com": true,
	"icloud.com": true, "me.com": true, "mac.com": true, "protonmail.com": true,
	"proton.me": true, "gmx.com": true, "mail.com": true, "zoho.com": true,
	"comcast.net": true, "att.net": true, "verizon.net": true, "yandex.com": true,
}

// ClientMatch is the outcome of matching a sender.
type ClientMatch struct {
	ClientID   *uuid.UUID
	ClientName string
	Reason     string
}

// ClientMatcher links senders to clients.
type ClientMatcher struct {
	q db.Querier
}

func NewClientMatcher(q db.Querier) *ClientMatcher {
	return &ClientMatcher{q: q}
}

// Match tries the exact address, then the address domain, then the display
// name. Ties go to the first client by name.
func (m *ClientMatcher) Match(ctx context.Context, address, displayName string) (ClientMatch, error) {
	contacts, err := db.ListClientContacts(ctx, m.q)
	if err != nil {
		return ClientMatch{}, err
	}
	return matchContacts(contacts, address, displayName), nil
}

func matchContacts(contacts []db.ClientContact, address, displayName string) ClientMatch {
	address = strings.ToLower(strings.TrimSpace(address))
	domain := ""
	if at := strings.LastIndexByte(address, '@'); at >= 0 {
		domain = address[at+1:]
	}
	name := strings.ToLower(strings.TrimSpace(displayName))

	found := func(c db.ClientContact, reason string) ClientMatch {
		id := c.ID
		return ClientMatch{ClientID: &id, ClientName: c.Name, Reason: reason}
	}

	if address != "" {
		for _, c := range contacts {
			if c.Email != nil && strings.EqualFold(strings.TrimSpace(*c.Email), address) {
				return found(c, MatchEmail)
			}
		}
	}
	if domain != "" && !freeMailDomains[domain] {
		for _, c := range contacts {
			if c.EmailDomain != nil && strings.EqualFold(strings.TrimPrefix(strings.TrimSpace(*c.EmailDomain), "@"), domain) {
				return found(c, MatchDomain)
			}
		}
		for _, c := range contacts {
			if c.EmailDomain == nil && c.Email != nil && strings.HasSuffix(strings.ToLower(*c.Email), "@"+domain) {
				return found(c, MatchDomain)
			}
		}
	}
	if name != "" {
		for _, c := range contacts {
			if strings.ToLower(strings.TrimSpace(c.Name)) == name {
				return found(c, MatchName)
			}
		}
	}
	return ClientMatch{}
}
