package domain

// Intelligence holds the extracted evidence buckets for a session. Each
// bucket is a set: values are unique and insertion order is preserved for
// stable report payloads.
type Intelligence struct {
	PhoneNumbers       []string `json:"phoneNumbers"`
	BankAccounts       []string `json:"bankAccounts"`
	UpiIDs             []string `json:"upiIds"`
	PhishingLinks      []string `json:"phishingLinks"`
	EmailAddresses     []string `json:"emailAddresses"`
	SuspiciousKeywords []string `json:"suspiciousKeywords"`
}

// Merge unions other into i and reports whether any bucket grew. Merging the
// same input twice is a no-op the second time.
func (i *Intelligence) Merge(other Intelligence) bool {
	grew := false
	buckets := []struct {
		dst *[]string
		src []string
	}{
		{&i.PhoneNumbers, other.PhoneNumbers},
		{&i.BankAccounts, other.BankAccounts},
		{&i.UpiIDs, other.UpiIDs},
		{&i.PhishingLinks, other.PhishingLinks},
		{&i.EmailAddresses, other.EmailAddresses},
		{&i.SuspiciousKeywords, other.SuspiciousKeywords},
	}
	for _, b := range buckets {
		if unionInto(b.dst, b.src) {
			grew = true
		}
	}
	return grew
}

// HasHard reports whether any bucket with direct investigative value is
// non-empty. Keyword hits are soft evidence and do not count.
func (i Intelligence) HasHard() bool {
	return len(i.PhoneNumbers) > 0 ||
		len(i.BankAccounts) > 0 ||
		len(i.UpiIDs) > 0 ||
		len(i.PhishingLinks) > 0 ||
		len(i.EmailAddresses) > 0
}

// Total returns the number of values across all buckets.
func (i Intelligence) Total() int {
	return len(i.PhoneNumbers) + len(i.BankAccounts) + len(i.UpiIDs) +
		len(i.PhishingLinks) + len(i.EmailAddresses) + len(i.SuspiciousKeywords)
}

func unionInto(dst *[]string, src []string) bool {
	if len(src) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(*dst))
	for _, v := range *dst {
		seen[v] = struct{}{}
	}
	grew := false
	for _, v := range src {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		*dst = append(*dst, v)
		grew = true
	}
	return grew
}
