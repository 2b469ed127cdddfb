// Package extract implements the regex-based intelligence extractor.
//
// All patterns are compiled once at package init and shared across requests.
// Extraction is deterministic, side-effect free and total: malformed or empty
// input yields an empty result, never an error.
package extract

import (
	"regexp"

	"github.com/adjoshi/scamnet/internal/domain"
)

var (
	// Indian mobile numbers, optionally prefixed with +91. The prefix group
	// sits inside the leading boundary so "+919876543210" still matches
	// (digit-digit positions have no word boundary).
	rePhone = regexp.MustCompile(`\b(?:\+?91[\-\s]?)?[6-9]\d{9}\b`)

	// Bank-account-like numeric identifiers, 9-18 digits.
	reBankAccount = regexp.MustCompile(`\b\d{9,18}\b`)

	// UPI handles: username@bank. Overlaps with email syntax; email-shaped
	// matches are excluded below.
	reUpiID = regexp.MustCompile(`[a-zA-Z0-9.\-_]{2,256}@[a-zA-Z]{2,64}`)

	reEmail = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

	reURL = regexp.MustCompile(`https?://(?:www\.)?[-a-zA-Z0-9@:%._\+~#=]{1,256}\.[a-zA-Z0-9()]{1,6}\b[-a-zA-Z0-9()@:%_\+.~#?&/=]*`)

	reKeyword = regexp.MustCompile(`(?i)\b(otp|cvv|verify|block|kyc|refund|winner|lottery|expire|urgent|suspend|apk|download)\b`)

	// A mobile shape, bare or 91-prefixed. Used to keep phone numbers out
	// of the bank account bucket.
	rePhoneShaped = regexp.MustCompile(`^(?:\+?91[\-\s]?)?[6-9]\d{9}$`)
)

// PatternExtractor scans raw scammer text for structured intelligence.
type PatternExtractor struct{}

// New returns a ready extractor.
func New() *PatternExtractor {
	return &PatternExtractor{}
}

// Extract scans text and returns candidate values per bucket.
//
// Disambiguation rules:
//   - a numeric token that overlaps a phone match, or is itself
//     phone-shaped, is never reported as a bank account;
//   - a token that overlaps an email match is never reported as a UPI id.
func (e *PatternExtractor) Extract(text string) domain.Intelligence {
	if text == "" {
		return domain.Intelligence{}
	}

	phoneSpans := rePhone.FindAllStringIndex(text, -1)
	emailSpans := reEmail.FindAllStringIndex(text, -1)

	var intel domain.Intelligence
	intel.PhoneNumbers = dedupe(matchesAt(text, phoneSpans))
	intel.EmailAddresses = dedupe(matchesAt(text, emailSpans))
	intel.PhishingLinks = dedupe(reURL.FindAllString(text, -1))
	intel.SuspiciousKeywords = dedupe(reKeyword.FindAllString(text, -1))

	for _, span := range reBankAccount.FindAllStringIndex(text, -1) {
		if overlapsAny(span, phoneSpans) {
			continue
		}
		candidate := text[span[0]:span[1]]
		if rePhoneShaped.MatchString(candidate) {
			continue
		}
		intel.BankAccounts = append(intel.BankAccounts, candidate)
	}
	intel.BankAccounts = dedupe(intel.BankAccounts)

	for _, span := range reUpiID.FindAllStringIndex(text, -1) {
		if overlapsAny(span, emailSpans) {
			continue
		}
		intel.UpiIDs = append(intel.UpiIDs, text[span[0]:span[1]])
	}
	intel.UpiIDs = dedupe(intel.UpiIDs)

	return intel
}

func matchesAt(text string, spans [][]int) []string {
	out := make([]string, 0, len(spans))
	for _, span := range spans {
		out = append(out, text[span[0]:span[1]])
	}
	return out
}

func overlapsAny(span []int, others [][]int) bool {
	for _, o := range others {
		if span[0] < o[1] && o[0] < span[1] {
			return true
		}
	}
	return false
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
