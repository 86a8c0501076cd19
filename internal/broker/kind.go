package broker

import (
	"strings"

	"github.com/xiaot623/gogo/switchboard/internal/domain"
)

// Kind is a concrete transport implementation.
type Kind string

const (
	KindUazapi   Kind = "uazapi"
	KindCloudAPI Kind = "cloudapi"
	KindTelegram Kind = "telegram"
)

// PrimaryKind is the fallback for unmapped providers in lenient mode.
const PrimaryKind = KindUazapi

// providerKinds collapses stored provider strings, legacy and canonical, onto
// broker kinds. Keys are upper-case.
var providerKinds = map[string]Kind{
	"WHATSAPP_WEB": KindUazapi,
	"WHATSAPP":     KindUazapi,
	"WEB":          KindUazapi,
	"UAZAPI":       KindUazapi,

	"WHATSAPP_CLOUD_API":    KindCloudAPI,
	"WHATSAPP_BUSINESS_API": KindCloudAPI,
	"CLOUDAPI":              KindCloudAPI,

	"TELEGRAM_BOT": KindTelegram,
	"TELEGRAM":     KindTelegram,
}

// LookupKind maps a stored provider string to a broker kind.
func LookupKind(provider string) (Kind, bool) {
	k, ok := providerKinds[strings.ToUpper(strings.TrimSpace(provider))]
	return k, ok
}

// NormalizePhone strips formatting and requires at least 10 digits.
func NormalizePhone(provider Kind, phone string) (string, error) {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 10 {
		return "", NewError(InvalidRecipient, provider, "recipient", "phone number must have at least 10 digits")
	}
	return digits, nil
}

// PhoneRecipient resolves a contact to its normalized phone number.
func PhoneRecipient(provider Kind, contact *domain.Contact) (string, error) {
	if contact == nil {
		return "", NewError(InvalidRecipient, provider, "recipient", "contact is missing")
	}
	return NormalizePhone(provider, contact.PhoneNumber)
}
